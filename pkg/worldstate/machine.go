package worldstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haltline-labs/haltline/pkg/audit"
)

// TransitionOptions carries the rarely-used knobs of a transition request.
type TransitionOptions struct {
	TraceID string
	// AllowIllegal bypasses the transition table. Reserved for recovery
	// tooling; normal callers never set it.
	AllowIllegal bool
	// AllowTerminalOverride permits leaving a terminal state.
	AllowTerminalOverride bool
}

// Machine is the world-state machine. All writes go through Transition under
// a single-writer lock; reads degrade to the last known snapshot when the
// backing store is unreachable.
type Machine struct {
	store    Store
	clock    func() time.Time
	logger   *slog.Logger
	auditLog audit.Logger

	mu sync.Mutex // serializes transitions

	lastMu sync.RWMutex
	last   Snapshot
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = now }
}

// WithAudit attaches an audit logger. Nil disables audit records.
func WithAudit(l audit.Logger) MachineOption {
	return func(m *Machine) { m.auditLog = l }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// NewMachine opens the machine over store, seeding Disarmed/"boot default"
// exactly once on first construction.
func NewMachine(ctx context.Context, store Store, opts ...MachineOption) (*Machine, error) {
	m := &Machine{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "worldstate"),
	}
	for _, opt := range opts {
		opt(m)
	}

	snap, err := store.Get(ctx)
	if errors.Is(err, ErrNotInitialized) {
		snap, err = m.seed(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("worldstate init: %w", err)
	}
	m.setLast(snap)
	return m, nil
}

func (m *Machine) seed(ctx context.Context) (Snapshot, error) {
	// Microsecond precision survives every backing store (TIMESTAMPTZ
	// included), keeping entry hashes stable across round trips.
	now := m.clock().UTC().Truncate(time.Microsecond)
	snap := Snapshot{State: Disarmed, Reason: "boot default", UpdatedAt: now, UpdatedBy: "system"}
	genesis := TransitionEvent{
		From:      Disarmed,
		To:        Disarmed,
		Reason:    "boot default",
		Actor:     "system",
		CreatedAt: now,
	}
	if _, err := m.store.Apply(ctx, snap, genesis); err != nil {
		// Another process may have seeded between our Get and Apply.
		if current, getErr := m.store.Get(ctx); getErr == nil {
			return current, nil
		}
		return Snapshot{}, err
	}
	m.logger.Info("state seeded", "state", snap.State, "reason", snap.Reason)
	return snap, nil
}

func (m *Machine) setLast(snap Snapshot) {
	m.lastMu.Lock()
	m.last = snap
	m.lastMu.Unlock()
}

func (m *Machine) lastKnown() Snapshot {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	return m.last
}

// Get returns the current snapshot. It never fails: on a store fault it
// returns the last snapshot this process observed and logs the fault.
func (m *Machine) Get(ctx context.Context) Snapshot {
	snap, err := m.store.Get(ctx)
	if err != nil {
		m.logger.Warn("state read failed, serving last known snapshot", "error", err)
		return m.lastKnown()
	}
	m.setLast(snap)
	return snap
}

// Transition attempts to move the machine to target.
//
// Domain outcomes are values: a terminal no-op returns the current snapshot
// unchanged; an illegal transition returns the current state with a
// "DENIED transition" reason and appends nothing. The returned error is
// reserved for storage faults.
func (m *Machine) Transition(ctx context.Context, target State, reason, actor string, opts TransitionOptions) (Snapshot, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "no reason provided"
	}
	if actor == "" {
		actor = "system"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.Get(ctx)
	if err != nil {
		return m.lastKnown(), fmt.Errorf("state load: %w", err)
	}

	if cur.State.Terminal() && !opts.AllowTerminalOverride {
		m.logger.Info("transition ignored in terminal state",
			"state", cur.State, "target", target, "actor", actor)
		return cur, nil
	}

	if !target.Valid() {
		denied := cur
		denied.Reason = fmt.Sprintf("DENIED transition %s -> %s: invalid target state", cur.State, target)
		m.logger.Warn("transition denied", "from", cur.State, "to", target, "reason", "invalid target state")
		return denied, nil
	}

	if !CanTransition(cur.State, target) && !opts.AllowIllegal {
		denied := cur
		denied.Reason = fmt.Sprintf("DENIED transition %s -> %s: %s", cur.State, target, reason)
		m.logger.Warn("transition denied", "from", cur.State, "to", target, "reason", reason, "actor", actor)
		return denied, nil
	}

	now := m.clock().UTC().Truncate(time.Microsecond)
	snap := Snapshot{State: target, Reason: reason, UpdatedAt: now, UpdatedBy: actor}
	ev := TransitionEvent{
		From:      cur.State,
		To:        target,
		Reason:    reason,
		Actor:     actor,
		TraceID:   opts.TraceID,
		CreatedAt: now,
	}

	applied, err := m.store.Apply(ctx, snap, ev)
	if err != nil {
		return cur, fmt.Errorf("state apply: %w", err)
	}
	m.setLast(snap)

	m.logger.Info("state transition",
		"from", cur.State, "to", target, "actor", actor, "reason", reason, "seq", applied.Seq)
	if m.auditLog != nil {
		_ = m.auditLog.Record(audit.WithActor(ctx, actor), audit.EventTransition, "transition", "world-state",
			map[string]interface{}{
				"from":   string(cur.State),
				"to":     string(target),
				"reason": reason,
				"seq":    applied.Seq,
			})
	}
	return snap, nil
}

// CanExecute reports whether execution is allowed right now. Strict: only
// ArmedActive permits execution.
func (m *Machine) CanExecute(ctx context.Context) (bool, string) {
	snap := m.Get(ctx)
	if snap.State == ArmedActive {
		return true, fmt.Sprintf("execution allowed: state=%s", snap.State)
	}
	return false, fmt.Sprintf("execution blocked: state=%s reason=%s", snap.State, snap.Reason)
}

// Events returns the transition audit trail, newest first.
func (m *Machine) Events(ctx context.Context, limit int) ([]TransitionEvent, error) {
	return m.store.Events(ctx, limit)
}

// VerifyChain walks the full event chain oldest-first and checks sequence
// continuity, prev-hash linkage, and every entry hash. Read faults report
// the chain as unverified rather than erroring.
func (m *Machine) VerifyChain(ctx context.Context) (bool, string) {
	events, err := m.store.Events(ctx, 0)
	if err != nil {
		return false, fmt.Sprintf("audit chain read failed: %v", err)
	}
	// newest-first -> oldest-first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	prevHash := ""
	for i, ev := range events {
		if ev.Seq != int64(i)+1 {
			return false, fmt.Sprintf("chain broken at seq %d: expected seq %d", ev.Seq, i+1)
		}
		if ev.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at seq %d: prev hash mismatch", ev.Seq)
		}
		want, err := eventHash(ev)
		if err != nil {
			return false, fmt.Sprintf("chain broken at seq %d: %v", ev.Seq, err)
		}
		if ev.EntryHash != want {
			return false, fmt.Sprintf("chain broken at seq %d: entry hash mismatch", ev.Seq)
		}
		prevHash = ev.EntryHash
	}
	return true, fmt.Sprintf("chain intact: %d events", len(events))
}
