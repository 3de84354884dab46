package turn

import (
	"context"
	"time"
)

// Finalizer is the periodic evaluator that closes quiet segments into
// finalized user turns. It deliberately runs on a fixed interval instead of
// reacting to events: a provider final is not a reliable turn boundary on its
// own, so a segment closes only once it has been quiet for the configured
// window.
//
// Emitted turns are handed to the TurnFunc in finalize order; the sink is
// invoked outside the reconciler's mutex.
type Finalizer struct {
	rec  *Reconciler
	tick time.Duration
	emit TurnFunc
}

// NewFinalizer creates a Finalizer over rec. emit must be non-nil.
func NewFinalizer(rec *Reconciler, tick time.Duration, emit TurnFunc) *Finalizer {
	if tick <= 0 {
		tick = rec.cfg.Tick
	}
	return &Finalizer{rec: rec, tick: tick, emit: emit}
}

// Run evaluates the active segment every tick until ctx is cancelled. It
// always returns ctx.Err().
func (f *Finalizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Evaluate(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Evaluate performs a single finalization pass. Exposed so tests and the
// shutdown path can flush without waiting for a tick.
func (f *Finalizer) Evaluate(ctx context.Context) {
	if t, ok := f.rec.closeDue(ctx); ok {
		f.emit(t)
	}
}
