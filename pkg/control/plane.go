// Package control is the orchestration facade over the safety core. Callers
// hand it plans, observations, tokens, and actions; it runs the drift ->
// verify -> gate -> surface pipeline, enforces the execution preconditions
// in order (world state, then approval token, then gate), and drives the
// tripwire sweep. Outer transport layers sit on top of this package and
// nothing below it knows the pipeline exists.
package control

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haltline-labs/haltline/pkg/approval"
	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/enforcement"
	"github.com/haltline-labs/haltline/pkg/executor"
	"github.com/haltline-labs/haltline/pkg/governance"
	"github.com/haltline-labs/haltline/pkg/identity"
	"github.com/haltline-labs/haltline/pkg/trust"
	"github.com/haltline-labs/haltline/pkg/world"
	"github.com/haltline-labs/haltline/pkg/worldstate"
)

// Config wires a Plane. Machine, Approvals, WorldStore, and Executor are
// required; the analysis components default to their standard constructions
// and Enforcer/Identity stay optional.
type Config struct {
	Machine    *worldstate.Machine
	Approvals  *approval.Service
	WorldStore world.Store
	Executor   *executor.Executor

	Verifier *governance.Verifier
	Gate     *governance.Gate
	Surface  *trust.Builder
	Enforcer *enforcement.Enforcer
	Identity *identity.Manager
	Logger   *slog.Logger
}

// Plane is the control facade.
type Plane struct {
	machine     *worldstate.Machine
	approvals   *approval.Service
	worldStore  world.Store
	fingerprint *world.FingerprintDetector
	verifier    *governance.Verifier
	gate        *governance.Gate
	surface     *trust.Builder
	exec        *executor.Executor
	enforcer    *enforcement.Enforcer
	identity    *identity.Manager
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewPlane validates the wiring and fills in defaults.
func NewPlane(cfg Config) (*Plane, error) {
	switch {
	case cfg.Machine == nil:
		return nil, errors.New("control: world state machine is required")
	case cfg.Approvals == nil:
		return nil, errors.New("control: approval service is required")
	case cfg.WorldStore == nil:
		return nil, errors.New("control: world store is required")
	case cfg.Executor == nil:
		return nil, errors.New("control: executor is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = governance.NewVerifier()
	}
	if cfg.Gate == nil {
		cfg.Gate = governance.NewGate(0)
	}
	if cfg.Surface == nil {
		cfg.Surface = trust.NewBuilder()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Plane{
		machine:     cfg.Machine,
		approvals:   cfg.Approvals,
		worldStore:  cfg.WorldStore,
		fingerprint: world.NewFingerprintDetector(cfg.WorldStore),
		verifier:    cfg.Verifier,
		gate:        cfg.Gate,
		surface:     cfg.Surface,
		exec:        cfg.Executor,
		enforcer:    cfg.Enforcer,
		identity:    cfg.Identity,
		logger:      cfg.Logger.With("component", "control"),
		tracer:      otel.Tracer("haltline/control"),
	}, nil
}

// AnalyzeRequest carries one plan's claims: the assumptions it depends on,
// the facts it expects, and how confident it says it is.
type AnalyzeRequest struct {
	Assumptions []governance.Assumption
	Expected    map[string]interface{}
	Confidence  governance.Confidence
	// BaseReason leads the trust surface text. Empty defaults to
	// "proposal analysis".
	BaseReason string
	// EntityLimit caps the fingerprint window; zero uses the default.
	EntityLimit int
}

// AnalyzeResult is everything one analysis pass produced.
type AnalyzeResult struct {
	Assumptions []governance.Assumption `json:"assumptions"`
	DriftEvents []world.DriftEvent      `json:"drift_events,omitempty"`
	Fingerprint world.FingerprintReport `json:"fingerprint"`
	Gate        governance.GateDecision `json:"gate"`
	Surface     trust.ReasonSurface     `json:"surface"`
}

// Analyze runs drift detection, assumption verification, the uncertainty
// gate, and the trust surface in one pass. It never returns an error: an
// unreadable world store produces a denying gate decision, because a plan
// whose world cannot be observed must not look executable.
func (p *Plane) Analyze(ctx context.Context, req AnalyzeRequest) AnalyzeResult {
	ctx, span := p.tracer.Start(ctx, "control.analyze")
	defer span.End()

	baseReason := req.BaseReason
	if baseReason == "" {
		baseReason = "proposal analysis"
	}

	facts, err := p.worldStore.Facts(ctx)
	if err != nil {
		p.logger.Warn("analysis fail-closed, world store unreadable", "error", err)
		span.SetAttributes(attribute.Bool("analyze.fail_closed", true))
		deny := governance.GateDecision{
			Allowed: false,
			Reason:  "world store unavailable",
			Confidence: governance.Confidence{
				Score:     0,
				Rationale: "world observations unreadable",
			},
		}
		return AnalyzeResult{
			Assumptions: req.Assumptions,
			Gate:        deny,
			Surface:     p.surface.Build(baseReason, req.Confidence, req.Assumptions, nil, &deny),
		}
	}

	drift := world.ExpectationDiff(req.Expected, facts)
	fp := p.fingerprint.Compute(ctx, req.EntityLimit)
	drift = append(drift, fp.DriftEvents...)

	verified := p.verifier.Verify(req.Assumptions, drift)
	decision := p.gate.Decide(ctx, verified, req.Confidence)
	surface := p.surface.Build(baseReason, req.Confidence, verified, drift, &decision)

	span.SetAttributes(
		attribute.Int("analyze.drift_count", len(drift)),
		attribute.Bool("analyze.gate_allowed", decision.Allowed),
	)
	return AnalyzeResult{
		Assumptions: verified,
		DriftEvents: drift,
		Fingerprint: fp,
		Gate:        decision,
		Surface:     surface,
	}
}

// Authorize issues an approval token for the proposal's scopes.
func (p *Plane) Authorize(ctx context.Context, proposalID string, scopes []approval.ActionScope) (approval.Token, error) {
	return p.approvals.Issue(ctx, proposalID, scopes)
}

// ExecuteRequest is one execution attempt.
type ExecuteRequest struct {
	Action executor.Action

	// Token is the caller's claimed approval token. Authority always comes
	// from the stored record it points at, never from the claim itself.
	Token approval.Token
	// Scope is the exact action scope this attempt claims; the token must
	// cover it.
	Scope approval.ActionScope

	TraceID string
	StepID  string

	// Gate is the caller's uncertainty-gate decision from Analyze.
	Gate governance.GateDecision
	// AbsoluteOverride bypasses the gate decision only. World-state and
	// token checks always run.
	AbsoluteOverride bool

	// IdentityToken optionally authenticates the acting principal; when
	// present it must validate, and its actor replaces Actor.
	IdentityToken string
	Actor         string
}

// Execute enforces the execution preconditions in order: world state must
// be ARMED_ACTIVE, then the approval token must verify against the claimed
// scope and consume exactly once. Only then does the gate decision reach the
// guarded executor. Every denial still flows through the blocked path so
// the attempt gets a durable receipt. The returned error is reserved for
// receipt-persistence faults.
func (p *Plane) Execute(ctx context.Context, req ExecuteRequest) (executor.Result, error) {
	ctx, span := p.tracer.Start(ctx, "control.execute", trace.WithAttributes(
		attribute.String("trace_id", req.TraceID),
		attribute.String("token_id", req.Token.TokenID),
	))
	defer span.End()

	actor := strings.TrimSpace(req.Actor)
	if req.IdentityToken != "" {
		if p.identity == nil {
			return p.deny(ctx, req, "identity: no token manager configured")
		}
		claims, err := p.identity.Validate(req.IdentityToken)
		if err != nil {
			p.logger.Warn("identity token rejected", "trace_id", req.TraceID, "error", err)
			return p.deny(ctx, req, "identity: invalid token")
		}
		actor = claims.Actor
	}
	if actor == "" {
		actor = "system"
	}
	ctx = audit.WithActor(ctx, actor)

	if ok, reason := p.machine.CanExecute(ctx); !ok {
		return p.deny(ctx, req, strings.TrimPrefix(reason, "execution blocked: "))
	}

	if req.Token.TokenID == "" {
		return p.deny(ctx, req, "approval: token required")
	}
	if vr := p.approvals.Verify(ctx, req.Token, &req.Scope); !vr.OK {
		return p.deny(ctx, req, "approval: "+vr.Reason)
	}
	if cr := p.approvals.Consume(ctx, req.Token.TokenID, req.Token.Nonce); !cr.OK {
		return p.deny(ctx, req, "approval: "+cr.Reason)
	}

	span.SetAttributes(attribute.Bool("control.checks_passed", true))
	return p.exec.Execute(ctx, req.Action, req.Gate, req.TraceID, executor.ExecOptions{
		StepID:           req.StepID,
		AbsoluteOverride: req.AbsoluteOverride,
	})
}

// deny funnels a control-layer denial through the executor's blocked path so
// the attempt still produces a durable receipt. The synthetic gate decision
// is never overridable: absolute override bypasses the uncertainty gate,
// not state or token checks.
func (p *Plane) deny(ctx context.Context, req ExecuteRequest, reason string) (executor.Result, error) {
	p.logger.Warn("execution denied", "trace_id", req.TraceID, "reason", reason)
	gate := governance.GateDecision{
		Allowed: false,
		Reason:  reason,
		Confidence: governance.Confidence{
			Score:     0,
			Rationale: "blocked before gate evaluation",
		},
	}
	return p.exec.Execute(ctx, req.Action, gate, req.TraceID, executor.ExecOptions{StepID: req.StepID})
}

// Enforce runs one tripwire sweep.
func (p *Plane) Enforce(ctx context.Context) enforcement.Report {
	if p.enforcer == nil {
		return enforcement.Report{
			State:  p.machine.Get(ctx).State,
			Action: enforcement.ActionNoop,
			Reason: "enforcement not configured",
		}
	}
	return p.enforcer.Sweep(ctx)
}

// State returns the current world-state snapshot.
func (p *Plane) State(ctx context.Context) worldstate.Snapshot {
	return p.machine.Get(ctx)
}

// VerifyAuditChain re-checks the transition hash chain.
func (p *Plane) VerifyAuditChain(ctx context.Context) (bool, string) {
	return p.machine.VerifyChain(ctx)
}

// Convenience transitions mirroring the manual operator endpoints. Empty
// reasons get the endpoint default; empty actors become "user".

func (p *Plane) Arm(ctx context.Context, reason, actor string) (worldstate.Snapshot, error) {
	return p.transition(ctx, worldstate.ArmedIdle, reason, "manual arm", actor)
}

func (p *Plane) Activate(ctx context.Context, reason, actor string) (worldstate.Snapshot, error) {
	return p.transition(ctx, worldstate.ArmedActive, reason, "manual activate", actor)
}

func (p *Plane) Disarm(ctx context.Context, reason, actor string) (worldstate.Snapshot, error) {
	return p.transition(ctx, worldstate.Disarmed, reason, "manual disarm", actor)
}

func (p *Plane) Freeze(ctx context.Context, reason, actor string) (worldstate.Snapshot, error) {
	return p.transition(ctx, worldstate.Frozen, reason, "manual freeze", actor)
}

func (p *Plane) End(ctx context.Context, reason, actor string) (worldstate.Snapshot, error) {
	return p.transition(ctx, worldstate.Ended, reason, "manual end", actor)
}

func (p *Plane) transition(ctx context.Context, target worldstate.State, reason, fallback, actor string) (worldstate.Snapshot, error) {
	if strings.TrimSpace(reason) == "" {
		reason = fallback
	}
	if strings.TrimSpace(actor) == "" {
		actor = "user"
	}
	return p.machine.Transition(ctx, target, reason, actor, worldstate.TransitionOptions{})
}
