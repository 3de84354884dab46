package turn

import (
	"fmt"
	"time"
)

// SegmentState is the lifecycle state of a speech segment.
//
// Transitions:
//
//	OPEN → PENDING_FINAL → CLOSED
//	  │                      ↑
//	  └──────────────────────┘  (silence close, no final ever received)
type SegmentState int

const (
	// SegmentOpen marks a segment still receiving interim results.
	SegmentOpen SegmentState = iota

	// SegmentPendingFinal marks a segment that has received a final result
	// and is waiting out the grace window before closing.
	SegmentPendingFinal

	// SegmentClosed marks a segment whose turn has been emitted (or
	// discarded as noise). Closed segments are retained briefly to detect
	// late corrections.
	SegmentClosed
)

// String returns the state name used in logs.
func (s SegmentState) String() string {
	switch s {
	case SegmentOpen:
		return "OPEN"
	case SegmentPendingFinal:
		return "PENDING_FINAL"
	case SegmentClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Segment is the reconciler's mutable unit of work: one continuous span of
// detected speech. All fields are guarded by the reconciler's mutex.
type Segment struct {
	// ID is the segment identifier derived from the utterance start offset.
	ID string

	// State is the lifecycle state.
	State SegmentState

	// BestText is the authoritative transcript so far. Monotone in finality:
	// once a final lands, interims no longer replace it.
	BestText string

	// StartOffset and EndOffset bound the speech within the audio stream.
	StartOffset time.Duration
	EndOffset   time.Duration

	// SpeechStartAt is the wall-clock start of the speech, from the
	// client-supplied capture timestamp when available.
	SpeechStartAt time.Time

	// LastUpdateAt is when the segment last received any event. The
	// finalizer measures quiet periods against it.
	LastUpdateAt time.Time

	// FinalReceivedAt is when the final result arrived; zero while OPEN.
	FinalReceivedAt time.Time

	// ClosedAt is when the segment closed; zero until then.
	ClosedAt time.Time

	// TurnID is the ID of the emitted turn, empty when the segment closed
	// without emitting (noise) — late events for such segments are
	// duplicates, not corrections.
	TurnID string
}

// matches reports whether ev belongs to this segment: same ID, or offsets
// overlapping the segment's span (providers occasionally re-key a revision).
func (s *Segment) matches(ev Event) bool {
	if ev.SegmentID == s.ID {
		return true
	}
	return ev.StartOffset < s.EndOffset && ev.EndOffset > s.StartOffset
}
