// Package turn implements the turn-coordination engine: it normalizes raw
// speech-to-text results into transcript events, reconciles out-of-order and
// duplicated events into one authoritative transcript per speech segment, and
// periodically decides when the open segment should close into a finalized
// conversational turn.
//
// The engine tolerates a non-deterministic provider: finals may arrive after
// interims for later speech, may be duplicated, and may revise text that was
// already delivered. Late revisions for an already-delivered turn surface as
// an explicit Correction signal instead of a silent drop or a duplicate turn.
//
// Mutation of segment state is serialized behind a single mutex shared by
// event ingestion and the finalizer tick; everything downstream only ever
// sees immutable Turn and Correction values.
package turn

import "time"

// Role identifies the speaker of a Turn.
type Role string

const (
	// RoleUser marks a finalized utterance transcribed from the caller.
	RoleUser Role = "user"

	// RoleAssistant marks a sentence chunk of the agent's reply.
	RoleAssistant Role = "assistant"

	// RoleError marks a system notice surfaced to the client (provider
	// unavailable, dispatch failure). Distinct from the conversation roles
	// so the history never absorbs it.
	RoleError Role = "error"
)

// Turn is one finalized, delivered utterance. Immutable after emission; the
// engine never touches a Turn once it has been handed to the sinks.
type Turn struct {
	// ID uniquely identifies the turn, referenced by later Corrections.
	ID string

	// Role is the speaker.
	Role Role

	// Content is the utterance text.
	Content string

	// EmittedAt is when the turn was finalized or flushed.
	EmittedAt time.Time
}

// Correction signals that a final transcript arrived for a segment whose
// turn was already delivered, with different text. The original Turn stands;
// the client decides how to present the revision.
type Correction struct {
	// TurnID references the already-delivered turn being revised.
	TurnID string

	// SegmentID is the speech segment the revision belongs to.
	SegmentID string

	// OldText is the content that was delivered.
	OldText string

	// NewText is the provider's revised final text.
	NewText string
}

// TurnFunc receives finalized turns. Implementations must not block for long;
// the reconciler mutex is not held during the call, but delivery order is the
// call order.
type TurnFunc func(Turn)

// CorrectionFunc receives late-correction signals.
type CorrectionFunc func(Correction)

// Config bundles the tunable windows of the turn engine. The zero value is
// usable after Normalize.
type Config struct {
	// Tick is the finalizer evaluation interval.
	Tick time.Duration

	// GraceWindow is how long a PENDING_FINAL segment must stay quiet
	// before it closes.
	GraceWindow time.Duration

	// SilenceWindow is how long an OPEN segment with no final must stay
	// quiet before it closes. A safety valve against provider final loss.
	SilenceWindow time.Duration

	// Retention is how long closed segments are retained for late-correction
	// detection.
	Retention time.Duration

	// RetainMax caps the number of retained closed segments.
	RetainMax int

	// StaleWindow is the maximum acceptable lag between the latest audio
	// frame and a final transcript's arrival before the final is counted as
	// stale.
	StaleWindow time.Duration
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 700 * time.Millisecond
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 1500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Second
	}
	if c.RetainMax <= 0 {
		c.RetainMax = 5
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = 500 * time.Millisecond
	}
}
