// Package governance implements the assumption verifier and the uncertainty
// gate: the decision layer between world drift signals and action execution.
//
// The gate produces decisions, not side effects. Denials are ordinary values;
// enforcement of a denial is the executor's job.
package governance

import (
	"time"

	"github.com/haltline-labs/haltline/pkg/world"
)

// Confidence is a scored belief with a human-readable rationale.
type Confidence struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// AssumptionStatus tracks verification state of a single plan assumption.
type AssumptionStatus string

const (
	AssumptionUnknown  AssumptionStatus = "unknown"
	AssumptionValid    AssumptionStatus = "valid"
	AssumptionViolated AssumptionStatus = "violated"
)

// Assumption is one world condition a plan depends on.
type Assumption struct {
	Key           string           `json:"key"`
	ExpectedValue interface{}      `json:"expected_value"`
	Description   string           `json:"description,omitempty"`
	Status        AssumptionStatus `json:"status"`
	LastCheckedAt time.Time        `json:"last_checked_at,omitempty"`
}

// Verifier checks plan assumptions against detected world drift.
type Verifier struct {
	clock func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source, for tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.clock = now }
}

// NewVerifier creates a Verifier with the wall clock.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{clock: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify stamps each assumption Violated or Valid depending on whether a
// drift event names its key. The input slice is not mutated; callers get a
// fresh copy. Drift events without a key (fingerprint drift) affect gate
// confidence elsewhere but cannot violate a keyed assumption.
func (v *Verifier) Verify(assumptions []Assumption, drift []world.DriftEvent) []Assumption {
	driftKeys := make(map[string]bool, len(drift))
	for _, ev := range drift {
		if ev.Key != "" {
			driftKeys[ev.Key] = true
		}
	}

	now := v.clock().UTC()
	out := make([]Assumption, len(assumptions))
	for i, a := range assumptions {
		a.LastCheckedAt = now
		if driftKeys[a.Key] {
			a.Status = AssumptionViolated
		} else {
			a.Status = AssumptionValid
		}
		out[i] = a
	}
	return out
}
