package governance

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMinConfidence is the gate threshold used when none is configured.
const DefaultMinConfidence = 0.6

// maxConfidenceAfterViolation caps the reported confidence once any
// assumption is violated, regardless of how confident the plan claimed to be.
const maxConfidenceAfterViolation = 0.4

// GateDecision is the outcome of one uncertainty-gate evaluation.
type GateDecision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	Confidence Confidence `json:"confidence"`
}

// Gate decides whether execution may proceed given verified assumptions and
// the plan's claimed confidence. Fail-closed: violations dominate, then the
// confidence threshold, and only then does the gate open.
type Gate struct {
	minConfidence float64
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewGate creates a gate with the given confidence threshold.
// A non-positive threshold selects DefaultMinConfidence.
func NewGate(minConfidence float64) *Gate {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Gate{
		minConfidence: minConfidence,
		tracer:        otel.Tracer("haltline/governance"),
		logger:        slog.Default().With("component", "governance.gate"),
	}
}

// MinConfidence returns the configured threshold.
func (g *Gate) MinConfidence() float64 { return g.minConfidence }

// Decide evaluates verified assumptions and confidence into a GateDecision.
func (g *Gate) Decide(ctx context.Context, assumptions []Assumption, confidence Confidence) GateDecision {
	_, span := g.tracer.Start(ctx, "gate.decide")
	defer span.End()

	var violated []string
	for _, a := range assumptions {
		if a.Status == AssumptionViolated {
			violated = append(violated, a.Key)
		}
	}

	var decision GateDecision
	switch {
	case len(violated) > 0:
		decision = GateDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("assumptions violated: %v", violated),
			Confidence: Confidence{
				Score:     math.Min(confidence.Score, maxConfidenceAfterViolation),
				Rationale: "world drift violated plan assumptions",
			},
		}
	case confidence.Score < g.minConfidence:
		decision = GateDecision{
			Allowed:    false,
			Reason:     "confidence below threshold",
			Confidence: confidence,
		}
	default:
		decision = GateDecision{
			Allowed:    true,
			Reason:     "uncertainty gate passed",
			Confidence: confidence,
		}
	}

	span.SetAttributes(
		attribute.Bool("gate.allowed", decision.Allowed),
		attribute.String("gate.reason", decision.Reason),
		attribute.Float64("gate.confidence", decision.Confidence.Score),
		attribute.Int("gate.violated_count", len(violated)),
	)
	if !decision.Allowed {
		g.logger.Info("gate denied", "reason", decision.Reason, "confidence", decision.Confidence.Score)
	}
	return decision
}
