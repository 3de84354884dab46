// Package dispatch drives the agent side of the conversation. Each finalized
// user turn is queued, and a single worker runs the dispatch pipeline for one
// turn at a time: structured slot extraction over the conversation so far,
// a phase-dependent system prompt, and a streamed reply that is flushed to
// the client sentence by sentence.
//
// The queue is FIFO with a soft cap; under sustained overload the oldest
// queued turn is dropped and counted rather than blocking the reconciler.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rokasgie/ai-data-collector/internal/call"
	"github.com/rokasgie/ai-data-collector/internal/observe"
	"github.com/rokasgie/ai-data-collector/internal/turn"
	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
)

// Config bundles the dispatcher tunables. The zero value is usable after
// Normalize.
type Config struct {
	// QueueCap is the soft cap on queued user turns. When exceeded the
	// oldest queued turn is dropped.
	QueueCap int

	// HistoryWindow is the maximum number of history messages sent with
	// each LLM request.
	HistoryWindow int

	// MaxReplyTokens caps the length of a single streamed reply.
	MaxReplyTokens int

	// SentenceWordCap flushes a sentence chunk after this many words even
	// without terminating punctuation.
	SentenceWordCap int
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.QueueCap <= 0 {
		c.QueueCap = 8
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 30
	}
	if c.MaxReplyTokens <= 0 {
		c.MaxReplyTokens = 150
	}
	if c.SentenceWordCap <= 0 {
		c.SentenceWordCap = 40
	}
}

// Dispatcher owns the conversation history and the benefit slot state and
// turns finalized user turns into streamed assistant replies.
//
// Enqueue may be called from any goroutine; the pipeline itself runs on the
// single goroutine that calls Run.
type Dispatcher struct {
	provider llm.Provider
	prompter *call.Prompter
	emit     turn.TurnFunc
	metrics  *observe.Metrics
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	state   call.State
	history []llm.Message
	queue   []turn.Turn
	wake    chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. emit receives assistant sentence chunks and error
// turns, in delivery order.
func New(provider llm.Provider, prompter *call.Prompter, emit turn.TurnFunc, metrics *observe.Metrics, cfg Config, opts ...Option) *Dispatcher {
	cfg.Normalize()
	d := &Dispatcher{
		provider: provider,
		prompter: prompter,
		emit:     emit,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds a finalized user turn to the dispatch queue. Never blocks:
// when the queue is at its cap the oldest queued turn is dropped and counted.
// Turns with a role other than user are ignored.
func (d *Dispatcher) Enqueue(ctx context.Context, t turn.Turn) {
	if t.Role != turn.RoleUser {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, t)
	d.metrics.DispatchQueueDepth.Add(ctx, 1)
	if len(d.queue) > d.cfg.QueueCap {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		d.metrics.DispatchQueueDepth.Add(ctx, -1)
		d.metrics.DispatchDropped.Add(ctx, 1)
		observe.Logger(ctx).Warn("dispatch queue full, dropping oldest turn",
			"turn_id", dropped.ID)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// QueueLen returns the number of turns awaiting dispatch.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Snapshot returns a copy of the slot state collected so far.
func (d *Dispatcher) Snapshot() call.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// History returns a copy of the conversation history.
func (d *Dispatcher) History() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]llm.Message, len(d.history))
	copy(out, d.history)
	return out
}

// Run consumes the queue until ctx is cancelled, dispatching one turn at a
// time. Always returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		t, ok := d.pop(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		d.dispatch(ctx, t)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Evaluate dispatches a single queued turn if one is waiting. Used by tests
// to step the pipeline without a background goroutine.
func (d *Dispatcher) Evaluate(ctx context.Context) bool {
	t, ok := d.pop(ctx)
	if !ok {
		return false
	}
	d.dispatch(ctx, t)
	return true
}

func (d *Dispatcher) pop(ctx context.Context) (turn.Turn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return turn.Turn{}, false
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	d.metrics.DispatchQueueDepth.Add(ctx, -1)
	return t, true
}

// dispatch runs the full pipeline for one user turn: record it in history,
// extract slot values from the conversation, then stream the reply.
func (d *Dispatcher) dispatch(ctx context.Context, t turn.Turn) {
	ctx, span := observe.StartSpan(ctx, "dispatch.turn")
	defer span.End()
	log := observe.Logger(ctx).With("turn_id", t.ID)

	d.appendHistory(llm.Message{Role: llm.RoleUser, Content: t.Content})

	d.extract(ctx, log)
	if ctx.Err() != nil {
		return
	}
	d.reply(ctx, log)
}

// extract runs the structured extraction call and merges any newly captured
// slots into the state. Extraction failure is not fatal to the turn; the
// reply still goes out and the slots are retried on the next turn.
func (d *Dispatcher) extract(ctx context.Context, log *slog.Logger) {
	start := d.now()
	raw, err := d.provider.Extract(ctx, llm.ExtractRequest{
		Messages:     d.window(),
		SystemPrompt: call.ExtractionPrompt,
		SchemaName:   "benefit_verification",
		Schema:       call.ExtractionSchema(),
	})
	d.metrics.LLMDuration.Record(ctx, d.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "extract")))
	if err != nil {
		d.metrics.DispatchErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", "extract")))
		log.Warn("slot extraction failed", "error", err)
		return
	}

	parsed, err := call.ParseState(raw)
	if err != nil {
		d.metrics.DispatchErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", "extract")))
		log.Warn("slot extraction returned invalid state", "error", err)
		return
	}

	d.mu.Lock()
	d.state.Merge(parsed)
	missing := len(d.state.Missing())
	d.mu.Unlock()
	log.Debug("slot state merged", "missing", missing)
}

// reply streams the agent's answer and emits it as sentence chunks. The full
// reply is appended to history once the stream ends; a cancelled context
// abandons the stream without touching history.
func (d *Dispatcher) reply(ctx context.Context, log *slog.Logger) {
	d.mu.Lock()
	system := d.prompter.System(&d.state, len(d.history))
	d.mu.Unlock()

	start := d.now()
	// Replies use greedy decoding so the same exchange produces the same
	// wording.
	greedy := 0.0
	ch, err := d.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     d.window(),
		SystemPrompt: system,
		Temperature:  &greedy,
		MaxTokens:    d.cfg.MaxReplyTokens,
	})
	if err != nil {
		d.metrics.DispatchErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", "reply")))
		log.Error("reply stream failed to start", "error", err)
		d.emitTurn(turn.RoleError, "agent unavailable: "+err.Error())
		return
	}

	splitter := newSentenceSplitter(d.cfg.SentenceWordCap)
	var full strings.Builder
	var streamErr string
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			streamErr = chunk.Text
			continue
		}
		full.WriteString(chunk.Text)
		for _, sentence := range splitter.feed(chunk.Text) {
			d.emitSentence(ctx, sentence)
		}
	}
	d.metrics.LLMDuration.Record(ctx, d.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("op", "reply")))

	if ctx.Err() != nil {
		return
	}

	if streamErr == "" {
		if tail := splitter.flush(); tail != "" {
			d.emitSentence(ctx, tail)
		}
	} else {
		d.metrics.DispatchErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", "reply")))
		log.Error("reply stream failed", "error", streamErr)
		d.emitTurn(turn.RoleError, "agent reply failed: "+streamErr)
	}

	if reply := strings.TrimSpace(full.String()); reply != "" {
		d.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: reply})
	}
}

func (d *Dispatcher) emitSentence(ctx context.Context, text string) {
	d.metrics.SentenceChunks.Add(ctx, 1)
	d.emitTurn(turn.RoleAssistant, text)
}

func (d *Dispatcher) emitTurn(role turn.Role, content string) {
	d.emit(turn.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		EmittedAt: d.now(),
	})
}

func (d *Dispatcher) appendHistory(msg llm.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, msg)
}

// window returns the most recent history messages, capped at HistoryWindow.
func (d *Dispatcher) window() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history
	if len(h) > d.cfg.HistoryWindow {
		h = h[len(h)-d.cfg.HistoryWindow:]
	}
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out
}
