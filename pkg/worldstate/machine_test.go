package worldstate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*Machine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewMachine(context.Background(), store, WithClock(func() time.Time { return testBase }))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, store
}

func TestNewMachine_SeedsDisarmed(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	snap := m.Get(ctx)
	if snap.State != Disarmed {
		t.Fatalf("expected seeded state %s, got %s", Disarmed, snap.State)
	}
	if snap.Reason != "boot default" || snap.UpdatedBy != "system" {
		t.Errorf("unexpected seed snapshot: %+v", snap)
	}

	events, err := store.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected genesis event only, got %d", len(events))
	}
	if events[0].Seq != 1 || events[0].From != Disarmed || events[0].To != Disarmed {
		t.Errorf("unexpected genesis event: %+v", events[0])
	}
	if events[0].PrevHash != "" || events[0].EntryHash == "" {
		t.Errorf("genesis hashes wrong: prev=%q entry=%q", events[0].PrevHash, events[0].EntryHash)
	}
}

func TestNewMachine_SeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := func() time.Time { return testBase }

	if _, err := NewMachine(ctx, store, WithClock(clock)); err != nil {
		t.Fatalf("first NewMachine: %v", err)
	}
	if _, err := NewMachine(ctx, store, WithClock(clock)); err != nil {
		t.Fatalf("second NewMachine: %v", err)
	}

	events, _ := store.Events(ctx, 0)
	if len(events) != 1 {
		t.Fatalf("reopening must not reseed: got %d events", len(events))
	}
}

func TestTransition_LegalPath(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	snap, err := m.Transition(ctx, ArmedIdle, "operator arm", "alice", TransitionOptions{})
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if snap.State != ArmedIdle || snap.Reason != "operator arm" || snap.UpdatedBy != "alice" {
		t.Errorf("unexpected snapshot after arm: %+v", snap)
	}

	snap, err = m.Transition(ctx, ArmedActive, "plan approved", "alice", TransitionOptions{TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if snap.State != ArmedActive {
		t.Fatalf("expected %s, got %s", ArmedActive, snap.State)
	}

	events, _ := m.Events(ctx, 1)
	if len(events) != 1 || events[0].Seq != 3 {
		t.Fatalf("expected tail event seq 3, got %+v", events)
	}
	if events[0].TraceID != "tr-1" {
		t.Errorf("trace id not recorded: %+v", events[0])
	}
}

func TestTransition_IllegalDenied(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	snap, err := m.Transition(ctx, ArmedActive, "go active", "alice", TransitionOptions{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if snap.State != Disarmed {
		t.Fatalf("denied transition must not change state, got %s", snap.State)
	}
	want := "DENIED transition DISARMED -> ARMED_ACTIVE: go active"
	if snap.Reason != want {
		t.Errorf("reason = %q, want %q", snap.Reason, want)
	}

	// Nothing appended; the store still holds only the genesis event.
	events, _ := m.Events(ctx, 0)
	if len(events) != 1 {
		t.Errorf("denied transition appended an event: %d events", len(events))
	}
	if got := m.Get(ctx); got.Reason != "boot default" {
		t.Errorf("denial leaked into stored snapshot: %+v", got)
	}
}

func TestTransition_InvalidTarget(t *testing.T) {
	m, _ := newTestMachine(t)

	snap, err := m.Transition(context.Background(), State("HALTED"), "typo", "alice", TransitionOptions{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if snap.State != Disarmed {
		t.Fatalf("state changed on invalid target: %s", snap.State)
	}
	if !strings.Contains(snap.Reason, "invalid target state") {
		t.Errorf("reason = %q", snap.Reason)
	}
}

func TestTransition_SelfTransitionAllowed(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{}); err != nil {
		t.Fatalf("arm: %v", err)
	}
	snap, err := m.Transition(ctx, ArmedIdle, "refresh reason", "alice", TransitionOptions{})
	if err != nil {
		t.Fatalf("self transition: %v", err)
	}
	if snap.State != ArmedIdle || snap.Reason != "refresh reason" {
		t.Errorf("self transition rejected: %+v", snap)
	}

	events, _ := m.Events(ctx, 1)
	if events[0].From != ArmedIdle || events[0].To != ArmedIdle {
		t.Errorf("self transition not recorded: %+v", events[0])
	}
}

func TestTransition_DefaultsReasonAndActor(t *testing.T) {
	m, _ := newTestMachine(t)

	snap, err := m.Transition(context.Background(), ArmedIdle, "   ", "", TransitionOptions{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if snap.Reason != "no reason provided" {
		t.Errorf("reason = %q", snap.Reason)
	}
	if snap.UpdatedBy != "system" {
		t.Errorf("actor = %q", snap.UpdatedBy)
	}
}

func TestTransition_TerminalIsAbsorbing(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := m.Transition(ctx, Ended, "decommissioned", "alice", TransitionOptions{}); err != nil {
		t.Fatalf("end: %v", err)
	}

	snap, err := m.Transition(ctx, ArmedIdle, "rearm attempt", "alice", TransitionOptions{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if snap.State != Ended || snap.Reason != "decommissioned" {
		t.Errorf("terminal state not absorbing: %+v", snap)
	}
	events, _ := m.Events(ctx, 0)
	if len(events) != 2 {
		t.Errorf("terminal no-op appended an event: %d events", len(events))
	}

	// Recovery tooling can leave ENDED explicitly.
	snap, err = m.Transition(ctx, Disarmed, "manual recovery", "admin",
		TransitionOptions{AllowTerminalOverride: true, AllowIllegal: true})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if snap.State != Disarmed {
		t.Errorf("terminal override failed: %+v", snap)
	}
}

func TestTransition_AllowIllegal(t *testing.T) {
	m, _ := newTestMachine(t)

	snap, err := m.Transition(context.Background(), Frozen, "incident response", "admin",
		TransitionOptions{AllowIllegal: true})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if snap.State != Frozen {
		t.Errorf("AllowIllegal ignored: %+v", snap)
	}
}

func TestCanExecute_StrictlyArmedActive(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	ok, reason := m.CanExecute(ctx)
	if ok {
		t.Fatal("execution allowed while disarmed")
	}
	if reason != "execution blocked: state=DISARMED reason=boot default" {
		t.Errorf("reason = %q", reason)
	}

	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
	if ok, _ := m.CanExecute(ctx); ok {
		t.Fatal("execution allowed while armed idle")
	}

	_, _ = m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{})
	ok, reason = m.CanExecute(ctx)
	if !ok {
		t.Fatalf("execution blocked while armed active: %s", reason)
	}
	if reason != "execution allowed: state=ARMED_ACTIVE" {
		t.Errorf("reason = %q", reason)
	}

	_, _ = m.Transition(ctx, Frozen, "drift detected", "world-engine", TransitionOptions{})
	if ok, _ := m.CanExecute(ctx); ok {
		t.Fatal("execution allowed while frozen")
	}
}

func TestEvents_NewestFirst(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
	_, _ = m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{})

	events, err := m.Events(ctx, 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("limit ignored: got %d events", len(events))
	}
	if events[0].To != ArmedActive || events[1].To != ArmedIdle {
		t.Errorf("events not newest-first: %+v", events)
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
	_, _ = m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{})
	_, _ = m.Transition(ctx, Frozen, "drift", "world-engine", TransitionOptions{})

	ok, detail := m.VerifyChain(ctx)
	if !ok {
		t.Fatalf("chain reported broken: %s", detail)
	}
	if detail != "chain intact: 4 events" {
		t.Errorf("detail = %q", detail)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
	_, _ = m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{})

	store.mu.Lock()
	store.events[1].Reason = "rewritten by attacker"
	store.mu.Unlock()

	ok, detail := m.VerifyChain(ctx)
	if ok {
		t.Fatal("tampered chain verified")
	}
	if !strings.Contains(detail, "seq 2") {
		t.Errorf("detail does not locate tampering: %q", detail)
	}
}

func TestVerifyChain_DetectsDroppedEvent(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
	_, _ = m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{})

	store.mu.Lock()
	store.events = append(store.events[:1], store.events[2:]...)
	store.mu.Unlock()

	ok, detail := m.VerifyChain(ctx)
	if ok {
		t.Fatal("chain with dropped event verified")
	}
	if !strings.Contains(detail, "chain broken") {
		t.Errorf("detail = %q", detail)
	}
}

func TestTransition_ConcurrentWritersSerialize(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})
			_, _ = m.Transition(ctx, Disarmed, "stand down", "alice", TransitionOptions{})
		}()
	}
	wg.Wait()

	if ok, detail := m.VerifyChain(ctx); !ok {
		t.Fatalf("chain broken after concurrent writers: %s", detail)
	}
	snap := m.Get(ctx)
	if snap.State != ArmedIdle && snap.State != Disarmed {
		t.Errorf("unexpected final state %s", snap.State)
	}
}
