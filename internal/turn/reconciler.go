package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rokasgie/ai-data-collector/internal/observe"
)

// Reconciler maintains at most one open speech segment and merges interim and
// final transcript events into it. Closed segments are retained in a bounded
// recent-history window so late finals can be recognised as corrections or
// duplicates instead of spawning spurious turns.
//
// Ingest and the finalizer's closeDue both run under the same mutex — the
// single-writer discipline that keeps a provider final and a timeout close
// from racing. All exported methods are safe for concurrent use.
type Reconciler struct {
	mu     sync.Mutex
	active *Segment
	closed []*Segment // newest last

	// watermark is the highest EndOffset of any closed segment. It outlives
	// retention eviction so replays of long-gone speech are recognised as
	// stale instead of opening fresh segments.
	watermark time.Duration

	cfg          Config
	now          func() time.Time
	metrics      *observe.Metrics
	onCorrection CorrectionFunc
}

// NewReconciler creates a Reconciler. cfg is normalized in place; now
// defaults to time.Now when nil; onCorrection may be nil when the caller has
// no use for correction signals.
func NewReconciler(cfg Config, metrics *observe.Metrics, onCorrection CorrectionFunc, now func() time.Time) *Reconciler {
	cfg.Normalize()
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		cfg:          cfg,
		now:          now,
		metrics:      metrics,
		onCorrection: onCorrection,
	}
}

// Ingest merges a normalized event into reconciler state. It never blocks on
// downstream consumers and never fails: events that cannot be placed are
// dropped with a counted diagnostic.
func (r *Reconciler) Ingest(ctx context.Context, ev Event) {
	r.mu.Lock()
	var correction *Correction

	r.evictLocked()

	if r.active != nil && r.active.matches(ev) {
		r.ingestActiveLocked(ctx, ev)
	} else if seg := r.matchClosedLocked(ev); seg != nil {
		correction = r.lateEventLocked(ctx, ev, seg)
	} else if r.precedesRetentionLocked(ev) {
		r.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "before_retention")))
		slog.Debug("dropped event preceding retention window",
			"segment_id", ev.SegmentID, "start_offset", ev.StartOffset)
	} else if r.active != nil && ev.EndOffset > r.active.StartOffset {
		// Non-matching offsets at or past the open span: the provider moved
		// on to new speech before we closed the previous one. Fold it into
		// the active segment. One open segment at a time is the invariant,
		// and the finalizer will close it on the next quiet period.
		r.ingestActiveLocked(ctx, ev)
	} else if r.active != nil {
		// Entirely before the open span yet matching no closed segment:
		// folding it in would rewrite the active text and reset its close
		// window, so drop it instead.
		r.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unmatched")))
		slog.Debug("dropped event matching no segment",
			"segment_id", ev.SegmentID, "start_offset", ev.StartOffset, "end_offset", ev.EndOffset)
	} else {
		r.openLocked(ctx, ev)
	}
	r.mu.Unlock()

	// The sink runs outside the lock so a slow consumer cannot stall
	// ingestion.
	if correction != nil && r.onCorrection != nil {
		r.onCorrection(*correction)
	}
}

// openLocked creates a new active segment from ev.
func (r *Reconciler) openLocked(ctx context.Context, ev Event) {
	seg := &Segment{
		ID:            ev.SegmentID,
		State:         SegmentOpen,
		BestText:      ev.Text,
		StartOffset:   ev.StartOffset,
		EndOffset:     ev.EndOffset,
		SpeechStartAt: ev.ReceivedAt,
		LastUpdateAt:  ev.ReceivedAt,
	}
	if ev.IsFinal {
		seg.State = SegmentPendingFinal
		seg.FinalReceivedAt = ev.ReceivedAt
	}
	r.active = seg
	r.countIngested(ctx, ev)
	slog.Debug("opened segment", "segment_id", seg.ID, "state", seg.State.String())
}

// ingestActiveLocked merges ev into the active segment.
func (r *Reconciler) ingestActiveLocked(ctx context.Context, ev Event) {
	seg := r.active

	if ev.EndOffset > seg.EndOffset {
		seg.EndOffset = ev.EndOffset
	}
	seg.LastUpdateAt = ev.ReceivedAt

	switch {
	case ev.IsFinal:
		// Finality wins, and a final for the same span is a revision that
		// also wins. Only a final for strictly older offsets is ignored for
		// text (its arrival still refreshes the quiet-period clock).
		if ev.StartOffset >= seg.StartOffset {
			seg.BestText = ev.Text
		}
		seg.State = SegmentPendingFinal
		seg.FinalReceivedAt = ev.ReceivedAt

	case seg.State == SegmentOpen:
		// Freshest interim always replaces the previous interim.
		seg.BestText = ev.Text

	default:
		// Interim after a final: the final text is authoritative; the
		// interim only signals that speech may be continuing.
	}

	r.countIngested(ctx, ev)
}

// lateEventLocked handles an event matching a closed segment inside the
// retention window. Returns a Correction to emit, or nil.
func (r *Reconciler) lateEventLocked(ctx context.Context, ev Event, seg *Segment) *Correction {
	if !ev.IsFinal || seg.TurnID == "" || ev.Text == seg.BestText {
		r.metrics.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "duplicate")))
		return nil
	}

	old := seg.BestText
	seg.BestText = ev.Text

	r.metrics.Corrections.Add(ctx, 1)
	slog.Info("late correction for delivered turn",
		"segment_id", seg.ID, "turn_id", seg.TurnID)

	return &Correction{
		TurnID:    seg.TurnID,
		SegmentID: seg.ID,
		OldText:   old,
		NewText:   ev.Text,
	}
}

// matchClosedLocked returns the retained closed segment ev belongs to, or nil.
func (r *Reconciler) matchClosedLocked(ev Event) *Segment {
	for i := len(r.closed) - 1; i >= 0; i-- {
		if r.closed[i].matches(ev) {
			return r.closed[i]
		}
	}
	return nil
}

// precedesRetentionLocked reports whether ev refers to speech that already
// closed, matched no retained segment, and therefore precedes the retention
// window.
func (r *Reconciler) precedesRetentionLocked(ev Event) bool {
	if r.watermark == 0 {
		return false
	}
	return ev.EndOffset <= r.watermark
}

// closeDue evaluates the active segment against the quiet-period windows and
// closes it when due. Returns the emitted user turn and true, or a zero Turn
// and false when nothing closed. Called by the Finalizer on every tick.
func (r *Reconciler) closeDue(ctx context.Context) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg := r.active
	if seg == nil {
		return Turn{}, false
	}

	now := r.now()
	quiet := now.Sub(seg.LastUpdateAt)

	var reason string
	switch seg.State {
	case SegmentPendingFinal:
		if quiet < r.cfg.GraceWindow {
			return Turn{}, false
		}
		reason = "grace"
	case SegmentOpen:
		if quiet < r.cfg.SilenceWindow {
			return Turn{}, false
		}
		reason = "silence"
	default:
		return Turn{}, false
	}

	seg.State = SegmentClosed
	seg.ClosedAt = now
	r.active = nil
	r.closed = append(r.closed, seg)
	if seg.EndOffset > r.watermark {
		r.watermark = seg.EndOffset
	}
	r.evictLocked()

	if seg.BestText == "" {
		// Noise: no turn, no diagnostics beyond debug.
		slog.Debug("discarded empty segment", "segment_id", seg.ID, "reason", reason)
		return Turn{}, false
	}

	seg.TurnID = uuid.NewString()
	r.metrics.TurnsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.metrics.TurnLatency.Record(ctx, quiet.Seconds())
	slog.Info("finalized user turn",
		"segment_id", seg.ID, "turn_id", seg.TurnID, "reason", reason)

	return Turn{
		ID:        seg.TurnID,
		Role:      RoleUser,
		Content:   seg.BestText,
		EmittedAt: now,
	}, true
}

// evictLocked drops retained closed segments past the retention age or count
// cap. Must be called with r.mu held.
func (r *Reconciler) evictLocked() {
	cutoff := r.now().Add(-r.cfg.Retention)
	start := 0
	for start < len(r.closed) && r.closed[start].ClosedAt.Before(cutoff) {
		start++
	}
	keep := r.closed[start:]
	if len(keep) > r.cfg.RetainMax {
		keep = keep[len(keep)-r.cfg.RetainMax:]
	}
	if len(keep) < len(r.closed) {
		fresh := make([]*Segment, len(keep))
		copy(fresh, keep)
		r.closed = fresh
	}
}

// Active returns a snapshot of the active segment's ID and state, for
// diagnostics. ok is false when no segment is open.
func (r *Reconciler) Active() (id string, state SegmentState, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", 0, false
	}
	return r.active.ID, r.active.State, true
}

func (r *Reconciler) countIngested(ctx context.Context, ev Event) {
	kind := "interim"
	if ev.IsFinal {
		kind = "final"
	}
	r.metrics.EventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
