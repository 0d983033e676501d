package aggregator

import "github.com/sweeney/callstats/internal/record"

// span is an open phase.
type span struct {
	phase record.Phase
	start int64
}

// callState is stored by value in the active-call table and replaced as a
// whole on each transition.
type callState struct {
	start   int64
	current span
}

// Completion describes a call that has just been dropped.
type Completion struct {
	CallID         int64        `json:"call_id"`
	CallingParty   string       `json:"calling_party"`
	ReceivingParty string       `json:"receiving_party"`
	StartMs        int64        `json:"start_ms"`
	EndMs          int64        `json:"end_ms"`
	DurationMs     int64        `json:"duration_ms"`
	LastPhase      record.Phase `json:"last_phase"`
}

// RejectReason classifies a record that had no effect on the statistics.
type RejectReason string

const (
	RejectMalformed            RejectReason = "malformed"
	RejectUnexpectedTransition RejectReason = "unexpected_transition"
	// RejectClockRegression records are still applied, with the delta clamped.
	RejectClockRegression RejectReason = "clock_regression"
)

// RejectReasons lists every reason in a stable order.
func RejectReasons() []RejectReason {
	return []RejectReason{RejectMalformed, RejectUnexpectedTransition, RejectClockRegression}
}

// Diagnostics counts records the state machine could not use as given.
type Diagnostics struct {
	Malformed            int64 `json:"malformed"`
	UnexpectedTransition int64 `json:"unexpected_transition"`
	ClockRegression      int64 `json:"clock_regression"`
}

// Get returns the count for reason.
func (d Diagnostics) Get(reason RejectReason) int64 {
	switch reason {
	case RejectMalformed:
		return d.Malformed
	case RejectUnexpectedTransition:
		return d.UnexpectedTransition
	case RejectClockRegression:
		return d.ClockRegression
	}
	return 0
}

// Snapshot is a point-in-time read of every table. Each mapping is consistent
// on its own; the snapshot as a whole is not a transaction.
type Snapshot struct {
	ActiveCalls    int                    `json:"active_calls"`
	CompletedCalls int                    `json:"completed_calls"`
	PhaseMs        map[record.Phase]int64 `json:"phase_ms"`
	PartyMs        map[string]int64       `json:"party_ms,omitempty"`
	Rejected       Diagnostics            `json:"rejected"`
}
