// Package trust builds the human-readable reason surface that explains a
// gate outcome: why an action is blocked or allowed, and what would change
// the decision.
//
// The surface is derivative: it renders state produced elsewhere and feeds
// nothing back into the decision path.
package trust

import (
	"fmt"
	"strings"

	"github.com/haltline-labs/haltline/pkg/governance"
	"github.com/haltline-labs/haltline/pkg/world"
)

// ReasonSurface is a point-in-time explanation of a decision. Built on
// demand, never stored, never mutated after Build returns.
type ReasonSurface struct {
	Reason                string                `json:"reason"`
	Confidence            governance.Confidence `json:"confidence"`
	ViolatedAssumptions   []string              `json:"violated_assumptions,omitempty"`
	DriftKeys             []string              `json:"drift_keys,omitempty"`
	WhatWouldChangeMyMind []string              `json:"what_would_change_my_mind,omitempty"`
}

// Builder assembles ReasonSurfaces.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build renders one surface. Parts are joined with " | " in fixed order:
// base reason, violated assumptions, drift keys, then the gate's denial
// reason when a denying decision is supplied. The gate's confidence wins
// over the base confidence when a decision is present.
func (b *Builder) Build(
	baseReason string,
	baseConfidence governance.Confidence,
	assumptions []governance.Assumption,
	drift []world.DriftEvent,
	gate *governance.GateDecision,
) ReasonSurface {
	var violated []string
	for _, a := range assumptions {
		if a.Status == governance.AssumptionViolated {
			violated = append(violated, a.Key)
		}
	}

	var driftKeys []string
	for _, ev := range drift {
		key := ev.Key
		if key == "" {
			key = ev.Kind
		}
		driftKeys = append(driftKeys, key)
	}

	parts := []string{baseReason}
	var changes []string

	if len(violated) > 0 {
		parts = append(parts, fmt.Sprintf("Assumptions violated: %v", violated))
		changes = append(changes, "Restore violated assumptions")
	}
	if len(driftKeys) > 0 {
		parts = append(parts, fmt.Sprintf("World drift detected on: %v", driftKeys))
		changes = append(changes, "Update world state to match expectations")
	}

	confidence := baseConfidence
	if gate != nil {
		confidence = gate.Confidence
		if !gate.Allowed {
			parts = append(parts, fmt.Sprintf("Blocked by governance: %s", gate.Reason))
			changes = append(changes, "Explicit human override")
		}
	}

	return ReasonSurface{
		Reason:                strings.Join(parts, " | "),
		Confidence:            confidence,
		ViolatedAssumptions:   violated,
		DriftKeys:             driftKeys,
		WhatWouldChangeMyMind: changes,
	}
}
