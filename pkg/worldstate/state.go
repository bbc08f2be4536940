// Package worldstate implements the persisted operating-mode state machine
// that gates every execution attempt.
//
// The machine is deliberately small: five states, a strict one-step
// transition table, and a hash-chained audit trail of every applied
// transition. Domain denials are returned as values; errors are reserved for
// storage faults.
package worldstate

import (
	"time"

	"github.com/haltline-labs/haltline/pkg/canon"
)

// State is the operating mode of the controlled system.
type State string

const (
	Disarmed    State = "DISARMED"
	ArmedIdle   State = "ARMED_IDLE"
	ArmedActive State = "ARMED_ACTIVE"
	Frozen      State = "FROZEN"
	Ended       State = "ENDED"
)

// Valid reports whether s is one of the five known states.
func (s State) Valid() bool {
	switch s {
	case Disarmed, ArmedIdle, ArmedActive, Frozen, Ended:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions without an
// explicit override.
func (s State) Terminal() bool {
	return s == Ended
}

// transitions is the strict one-step reachability table.
var transitions = map[State][]State{
	Disarmed:    {ArmedIdle, Ended},
	ArmedIdle:   {Disarmed, ArmedActive, Frozen, Ended},
	ArmedActive: {ArmedIdle, Disarmed, Frozen, Ended},
	Frozen:      {Disarmed, Ended},
	Ended:       {},
}

// CanTransition reports whether from may move to to in a single step.
// Same-state transitions are always legal; they refresh the reason.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Snapshot is the current persisted state.
type Snapshot struct {
	State     State     `json:"state"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// TransitionEvent is one applied transition in the audit trail. Events form
// a hash chain: EntryHash covers the event fields plus PrevHash, so any
// retroactive edit breaks verification from that point forward.
type TransitionEvent struct {
	Seq       int64     `json:"seq"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
}

// eventHash computes the chain hash of ev. EntryHash itself is excluded;
// CreatedAt is rendered as RFC3339Nano so the bytes are stable across
// store round trips.
func eventHash(ev TransitionEvent) (string, error) {
	return canon.CanonicalHash(struct {
		Seq       int64  `json:"seq"`
		From      State  `json:"from"`
		To        State  `json:"to"`
		Reason    string `json:"reason"`
		Actor     string `json:"actor"`
		TraceID   string `json:"trace_id"`
		CreatedAt string `json:"created_at"`
		PrevHash  string `json:"prev_hash"`
	}{
		Seq:       ev.Seq,
		From:      ev.From,
		To:        ev.To,
		Reason:    ev.Reason,
		Actor:     ev.Actor,
		TraceID:   ev.TraceID,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  ev.PrevHash,
	})
}
