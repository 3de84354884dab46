package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/rokasgie/ai-data-collector/internal/call"
	"github.com/rokasgie/ai-data-collector/internal/observe"
	"github.com/rokasgie/ai-data-collector/internal/turn"
	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
	llmmock "github.com/rokasgie/ai-data-collector/pkg/provider/llm/mock"
)

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// sink records emitted turns in delivery order.
type sink struct {
	mu    sync.Mutex
	turns []turn.Turn
}

func (s *sink) emit(t turn.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

func (s *sink) all() []turn.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]turn.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *sink) byRole(role turn.Role) []turn.Turn {
	var out []turn.Turn
	for _, t := range s.all() {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, provider *llmmock.Provider, cfg Config) (*Dispatcher, *sink) {
	t.Helper()
	s := &sink{}
	prompter := call.NewPrompter(call.DefaultPatientInfo())
	d := New(provider, prompter, s.emit, noopMetrics(t), cfg)
	return d, s
}

func userTurn(content string) turn.Turn {
	return turn.Turn{ID: "t-" + content, Role: turn.RoleUser, Content: content, EmittedAt: time.Now()}
}

func TestDispatcher_StreamsReplyAsSentences(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{
		{Text: "Sure."},
		{Text: " Let me check"},
		{Text: " that."},
		{FinishReason: "stop"},
	}}
	d, s := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("What is the copay?"))
	if !d.Evaluate(context.Background()) {
		t.Fatal("Evaluate dispatched nothing")
	}

	got := s.byRole(turn.RoleAssistant)
	if len(got) != 2 {
		t.Fatalf("assistant turns = %d, want 2", len(got))
	}
	if got[0].Content != "Sure." {
		t.Errorf("first chunk = %q, want %q", got[0].Content, "Sure.")
	}
	if got[1].Content != "Let me check that." {
		t.Errorf("second chunk = %q, want %q", got[1].Content, "Let me check that.")
	}

	history := d.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != llm.RoleUser || history[0].Content != "What is the copay?" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != llm.RoleAssistant || history[1].Content != "Sure. Let me check that." {
		t.Errorf("history[1] = %+v", history[1])
	}
}

func TestDispatcher_FirstExchangeUsesPersonaPrompt(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Hello."}}}
	d, _ := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("Hello, who is calling?"))
	d.Evaluate(context.Background())

	if len(provider.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(provider.StreamCalls))
	}
	req := provider.StreamCalls[0]
	if !strings.Contains(req.SystemPrompt, call.AgentName) {
		t.Errorf("system prompt missing persona name: %q", req.SystemPrompt)
	}
	if strings.Contains(req.SystemPrompt, "You should ask the representative") {
		t.Errorf("first exchange used the missing-slot prompt: %q", req.SystemPrompt)
	}
	if req.MaxTokens != 150 {
		t.Errorf("MaxTokens = %d, want 150", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("Temperature = %v, want pinned to 0", req.Temperature)
	}
}

func TestDispatcher_ExtractMergesState(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Chunks:        []llm.Chunk{{Text: "Noted."}},
		ExtractResult: json.RawMessage(`{"copay": 30, "authorization_required": true}`),
	}
	d, _ := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("The copay is 30 dollars and prior auth is required."))
	d.Evaluate(context.Background())

	state := d.Snapshot()
	if state.Copay == nil || *state.Copay != 30 {
		t.Errorf("Copay = %v, want 30", state.Copay)
	}
	if state.AuthorizationRequired == nil || !*state.AuthorizationRequired {
		t.Errorf("AuthorizationRequired = %v, want true", state.AuthorizationRequired)
	}

	if len(provider.ExtractCalls) != 1 {
		t.Fatalf("extract calls = %d, want 1", len(provider.ExtractCalls))
	}
	req := provider.ExtractCalls[0]
	if req.SystemPrompt != call.ExtractionPrompt {
		t.Errorf("extraction system prompt = %q", req.SystemPrompt)
	}
	if req.SchemaName != "benefit_verification" {
		t.Errorf("schema name = %q", req.SchemaName)
	}
}

func TestDispatcher_ExtractFailureStillReplies(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		Chunks:     []llm.Chunk{{Text: "Could you repeat that?"}},
		ExtractErr: errors.New("rate limited"),
	}
	d, s := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("mumble"))
	d.Evaluate(context.Background())

	if got := s.byRole(turn.RoleAssistant); len(got) != 1 {
		t.Fatalf("assistant turns = %d, want 1", len(got))
	}
	if got := s.byRole(turn.RoleError); len(got) != 0 {
		t.Fatalf("error turns = %d, want 0", len(got))
	}
	if state := d.Snapshot(); state.Complete() {
		t.Errorf("state unexpectedly complete: %+v", state)
	}
}

func TestDispatcher_StreamErrorEmitsErrorTurn(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{
		{Text: "Partial"},
		{Text: "connection reset", FinishReason: "error"},
	}}
	d, s := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("hello"))
	d.Evaluate(context.Background())

	errs := s.byRole(turn.RoleError)
	if len(errs) != 1 {
		t.Fatalf("error turns = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Content, "connection reset") {
		t.Errorf("error turn content = %q", errs[0].Content)
	}

	// The partial reply stays in history so the next exchange is coherent.
	history := d.History()
	if len(history) != 2 || history[1].Content != "Partial" {
		t.Errorf("history = %+v", history)
	}
}

func TestDispatcher_StreamStartErrorEmitsErrorTurn(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamErr: errors.New("dial tcp: connection refused")}
	d, s := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), userTurn("hello"))
	d.Evaluate(context.Background())

	errs := s.byRole(turn.RoleError)
	if len(errs) != 1 {
		t.Fatalf("error turns = %d, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Content, "connection refused") {
		t.Errorf("error turn content = %q", errs[0].Content)
	}
	if got := s.byRole(turn.RoleAssistant); len(got) != 0 {
		t.Fatalf("assistant turns = %d, want 0", len(got))
	}
}

func TestDispatcher_QueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	provider := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Ok."}}}
	s := &sink{}
	d := New(provider, call.NewPrompter(call.DefaultPatientInfo()), s.emit, metrics, Config{QueueCap: 2})

	ctx := context.Background()
	d.Enqueue(ctx, userTurn("first"))
	d.Enqueue(ctx, userTurn("second"))
	d.Enqueue(ctx, userTurn("third"))

	if got := d.QueueLen(); got != 2 {
		t.Fatalf("QueueLen = %d, want 2", got)
	}

	d.Evaluate(ctx)
	history := d.History()
	if len(history) == 0 || history[0].Content != "second" {
		t.Fatalf("first dispatched turn = %+v, want content %q", history, "second")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	dropped := counterValue(t, rm, "collector.dispatch.dropped")
	if dropped != 1 {
		t.Errorf("collector.dispatch.dropped = %d, want 1", dropped)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDispatcher_FIFOOrderAcrossDispatches(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Ok."}}}
	d, _ := newTestDispatcher(t, provider, Config{})

	ctx := context.Background()
	d.Enqueue(ctx, userTurn("first"))
	d.Enqueue(ctx, userTurn("second"))
	d.Evaluate(ctx)
	d.Evaluate(ctx)
	if d.Evaluate(ctx) {
		t.Fatal("Evaluate dispatched with empty queue")
	}

	history := d.History()
	var users []string
	for _, m := range history {
		if m.Role == llm.RoleUser {
			users = append(users, m.Content)
		}
	}
	if len(users) != 2 || users[0] != "first" || users[1] != "second" {
		t.Fatalf("user history = %q, want [first second]", users)
	}
}

func TestDispatcher_HistoryWindowCapsRequests(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Ok."}}}
	d, _ := newTestDispatcher(t, provider, Config{HistoryWindow: 4})

	ctx := context.Background()
	for _, content := range []string{"a", "b", "c", "d"} {
		d.Enqueue(ctx, userTurn(content))
		d.Evaluate(ctx)
	}

	if len(d.History()) != 8 {
		t.Fatalf("history length = %d, want 8", len(d.History()))
	}
	last := provider.StreamCalls[len(provider.StreamCalls)-1]
	if len(last.Messages) != 4 {
		t.Fatalf("request window = %d messages, want 4", len(last.Messages))
	}
}

func TestDispatcher_IgnoresNonUserTurns(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	d, _ := newTestDispatcher(t, provider, Config{})

	d.Enqueue(context.Background(), turn.Turn{ID: "x", Role: turn.RoleAssistant, Content: "echo"})
	if got := d.QueueLen(); got != 0 {
		t.Fatalf("QueueLen = %d, want 0", got)
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Ok."}}}
	d, s := newTestDispatcher(t, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Enqueue(ctx, userTurn("hello"))
	deadline := time.After(2 * time.Second)
	for len(s.byRole(turn.RoleAssistant)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no assistant turn before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
