package worldstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestSQLiteStore_GetBeforeSeed(t *testing.T) {
	s := setupSQLiteStore(t)
	if _, err := s.Get(context.Background()); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSQLiteStore_MachineRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)

	m, err := NewMachine(ctx, s, WithClock(func() time.Time { return testBase }))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	if _, err := m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{TraceID: "tr-9"}); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := m.Transition(ctx, ArmedActive, "activate", "alice", TransitionOptions{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	snap, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.State != ArmedActive || snap.UpdatedBy != "alice" {
		t.Errorf("unexpected persisted snapshot: %+v", snap)
	}
	if !snap.UpdatedAt.Equal(testBase) {
		t.Errorf("UpdatedAt = %v, want %v", snap.UpdatedAt, testBase)
	}

	events, err := s.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Seq != 3 || events[2].Seq != 1 {
		t.Errorf("events not newest-first: %+v", events)
	}
	if events[1].TraceID != "tr-9" {
		t.Errorf("trace id lost in round trip: %+v", events[1])
	}

	if ok, detail := m.VerifyChain(ctx); !ok {
		t.Fatalf("chain broken after sqlite round trip: %s", detail)
	}
}

func TestSQLiteStore_EventsLimit(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)
	m, err := NewMachine(ctx, s, WithClock(func() time.Time { return testBase }))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	_, _ = m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{})

	events, err := s.Events(ctx, 1)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].To != ArmedIdle {
		t.Errorf("limit not applied: %+v", events)
	}
}

// A file-backed database survives process restarts; the chain must verify
// across a close and re-open, and the machine must not reseed.
func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	clock := func() time.Time { return testBase }

	open := func() (*sql.DB, *SQLiteStore) {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(db)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return db, s
	}

	db, s := open()
	m, err := NewMachine(ctx, s, WithClock(clock))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if _, err := m.Transition(ctx, ArmedIdle, "arm", "alice", TransitionOptions{}); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := m.Transition(ctx, Frozen, "incident", "world-engine", TransitionOptions{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_ = db.Close()

	db, s = open()
	defer func() { _ = db.Close() }()
	m2, err := NewMachine(ctx, s, WithClock(clock))
	if err != nil {
		t.Fatalf("reopen NewMachine: %v", err)
	}

	snap := m2.Get(ctx)
	if snap.State != Frozen || snap.Reason != "incident" {
		t.Errorf("snapshot lost across reopen: %+v", snap)
	}

	events, err := s.Events(ctx, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("reopen reseeded or lost events: got %d", len(events))
	}

	if ok, detail := m2.VerifyChain(ctx); !ok {
		t.Fatalf("chain broken across reopen: %s", detail)
	}
}
