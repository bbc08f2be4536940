package enforcement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/world"
	"github.com/haltline-labs/haltline/pkg/worldstate"
)

// Sweep actions.
const (
	ActionNoop   = "noop"
	ActionFreeze = "freeze"
)

// FreezeActor is the actor recorded on automatic freezes.
const FreezeActor = "world-engine"

// Report is the outcome of one sweep.
type Report struct {
	State   worldstate.State `json:"state"`
	Action  string           `json:"action"`
	Reason  string           `json:"reason"`
	Froze   bool             `json:"froze"`
	Results []Result         `json:"results,omitempty"`
}

// Enforcer runs the tripwire sweep against a state machine and the
// observation store.
type Enforcer struct {
	machine     *worldstate.Machine
	store       world.Store
	probes      []Probe
	logger      *slog.Logger
	auditLog    audit.Logger
	observeOnly bool
}

// Option configures an Enforcer.
type Option func(*Enforcer)

func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithAudit(l audit.Logger) Option {
	return func(e *Enforcer) {
		e.auditLog = l
	}
}

// WithObserveOnly makes the sweep record probe verdicts without ever
// freezing. For staging a new probe set against a live system.
func WithObserveOnly() Option {
	return func(e *Enforcer) {
		e.observeOnly = true
	}
}

func NewEnforcer(machine *worldstate.Machine, store world.Store, probes []Probe, opts ...Option) *Enforcer {
	e := &Enforcer{
		machine: machine,
		store:   store,
		probes:  probes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "enforcement")
	return e
}

// Sweep runs every probe once. Ended and Frozen are no-ops; otherwise each
// probe's verdict is written to the entity registry, and the first failing
// critical probe freezes an armed system with an AUTO-FREEZE reason. Sweep
// never panics and never returns an error: it is called from health paths
// that must not fail.
func (e *Enforcer) Sweep(ctx context.Context) Report {
	snap := e.machine.Get(ctx)
	if snap.State == worldstate.Ended {
		return Report{State: snap.State, Action: ActionNoop, Reason: "ENDED"}
	}
	if snap.State == worldstate.Frozen {
		return Report{State: snap.State, Action: ActionNoop, Reason: "already frozen"}
	}

	facts := e.factMap(ctx)
	results := make([]Result, 0, len(e.probes))
	var tripped *Result
	for _, p := range e.probes {
		res := e.runProbe(ctx, p, facts)
		results = append(results, res)

		status := world.StatusOK
		if !res.OK {
			status = world.StatusDown
		}
		meta := map[string]interface{}{"probe": res.Message}
		for k, v := range res.Detail {
			meta[k] = v
		}
		if _, err := e.store.TouchEntity(ctx, p.EntityID(), status, meta); err != nil {
			e.logger.Warn("entity touch failed", "entity", p.EntityID(), "error", err)
		}

		if !res.OK && p.Critical() && tripped == nil {
			r := res
			tripped = &r
		}
	}

	armed := snap.State == worldstate.ArmedIdle || snap.State == worldstate.ArmedActive
	if tripped != nil && armed {
		if e.observeOnly {
			reason := "tripwire observed (freeze disabled): " + tripped.Message
			e.logger.Warn("tripwire observed", "probe", tripped.Name, "reason", reason)
			return Report{State: snap.State, Action: ActionNoop, Reason: reason, Results: results}
		}
		reason := "AUTO-FREEZE: " + tripped.Message
		fr, err := e.machine.Transition(ctx, worldstate.Frozen, reason, FreezeActor, worldstate.TransitionOptions{})
		if err != nil {
			e.logger.Error("auto-freeze failed", "reason", reason, "error", err)
			return Report{State: snap.State, Action: ActionFreeze, Reason: reason, Froze: false, Results: results}
		}
		e.logger.Warn("auto-freeze", "probe", tripped.Name, "reason", reason)
		if e.auditLog != nil {
			_ = e.auditLog.Record(audit.WithActor(ctx, FreezeActor), audit.EventEnforcement, "auto_freeze", "world-state",
				map[string]interface{}{
					"probe":  tripped.Name,
					"reason": reason,
				})
		}
		return Report{
			State:   fr.State,
			Action:  ActionFreeze,
			Reason:  fr.Reason,
			Froze:   fr.State == worldstate.Frozen,
			Results: results,
		}
	}

	return Report{State: snap.State, Action: ActionNoop, Reason: "no tripwires triggered", Results: results}
}

// factMap flattens the fact table to key -> value for probe evaluation. A
// store fault degrades to an empty map; whether an empty world trips a probe
// is the probe's call.
func (e *Enforcer) factMap(ctx context.Context) map[string]interface{} {
	facts, err := e.store.Facts(ctx)
	if err != nil {
		e.logger.Warn("fact read failed, probes see an empty world", "error", err)
		return map[string]interface{}{}
	}
	m := make(map[string]interface{}, len(facts))
	for _, f := range facts {
		m[f.Key] = f.Value
	}
	return m
}

// runProbe isolates probe panics; a panicking probe is a failed probe.
func (e *Enforcer) runProbe(ctx context.Context, p Probe, facts map[string]interface{}) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("probe panicked", "probe", p.Name(), "panic", r)
			res = Result{
				Name:    p.Name(),
				OK:      false,
				Message: fmt.Sprintf("%s: probe panicked: %v", p.Name(), r),
			}
		}
	}()
	res = p.Check(ctx, facts)
	if res.Name == "" {
		res.Name = p.Name()
	}
	return res
}
