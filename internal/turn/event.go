package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rokasgie/ai-data-collector/internal/observe"
	"github.com/rokasgie/ai-data-collector/pkg/provider/stt"
)

// Event is a normalized transcript event. Immutable once constructed. The
// ordering key for reconciliation is (StartOffset, ReceivedAt), not arrival
// order, because the provider may deliver a final for an earlier segment
// after interims for a later one.
type Event struct {
	// SegmentID groups events belonging to one continuous span of speech.
	SegmentID string

	// IsFinal marks a provider-committed result; false means interim.
	IsFinal bool

	// Text is the transcribed content.
	Text string

	// StartOffset and EndOffset position the speech within the audio
	// stream, relative to stream start.
	StartOffset time.Duration
	EndOffset   time.Duration

	// ReceivedAt is when the event arrived at this process.
	ReceivedAt time.Time
}

// ErrMalformed is returned by the Normalizer for provider results that carry
// no usable content. Callers drop and count these; they are never fatal.
var ErrMalformed = errors.New("turn: malformed transcript")

// Normalizer converts raw provider transcripts into Events. It also tracks
// the audio-side timing the client reports: the speech-start epoch is pinned
// by the first audio frame that carries one and never overwritten, while the
// last-audio timestamp moves with every frame and is used to flag stale
// finals.
//
// Safe for concurrent use.
type Normalizer struct {
	mu sync.Mutex

	speechStart time.Time // pinned once
	lastAudio   time.Time

	staleWindow time.Duration
	now         func() time.Time
	metrics     *observe.Metrics
}

// NewNormalizer creates a Normalizer. metrics may not be nil; now defaults to
// time.Now when nil.
func NewNormalizer(staleWindow time.Duration, metrics *observe.Metrics, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		staleWindow: staleWindow,
		now:         now,
		metrics:     metrics,
	}
}

// ObserveAudio records the timing of a client audio frame. startEpochMS is
// the client-reported capture start in Unix milliseconds; zero means the
// frame carried none.
func (n *Normalizer) ObserveAudio(startEpochMS int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if startEpochMS == 0 {
		return
	}
	at := time.UnixMilli(startEpochMS)
	if n.speechStart.IsZero() {
		n.speechStart = at
	}
	n.lastAudio = at
}

// SpeechStart returns the pinned speech-start epoch, or the zero time when no
// audio frame has reported one yet.
func (n *Normalizer) SpeechStart() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.speechStart
}

// Normalize converts a provider transcript into an Event. Returns
// ErrMalformed for transcripts with no text and no timing, which callers
// must drop and count rather than propagate.
func (n *Normalizer) Normalize(ctx context.Context, t stt.Transcript) (Event, error) {
	received := n.now()

	if t.Text == "" && t.Duration == 0 {
		n.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		return Event{}, ErrMalformed
	}

	ev := Event{
		SegmentID:   segmentID(t.Start),
		IsFinal:     t.IsFinal,
		Text:        t.Text,
		StartOffset: t.Start,
		EndOffset:   t.Start + t.Duration,
		ReceivedAt:  received,
	}

	// A final that arrives long after the latest audio frame usually means
	// the provider stalled. The event is still reconciled; lateness is made
	// observable rather than silently skipped.
	if t.IsFinal {
		n.mu.Lock()
		lastAudio := n.lastAudio
		n.mu.Unlock()
		if !lastAudio.IsZero() && received.Sub(lastAudio) > n.staleWindow {
			n.metrics.StaleFinals.Add(ctx, 1)
		}
	}

	return ev, nil
}

// segmentID derives a stable segment identifier from the utterance start
// offset. Interim and final results for the same span share their start.
func segmentID(start time.Duration) string {
	return fmt.Sprintf("seg-%d", start.Milliseconds())
}
