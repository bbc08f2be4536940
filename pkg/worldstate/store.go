package worldstate

import (
	"context"
	"errors"
	"sync"
)

// ErrNotInitialized is returned by Get before the store has been seeded.
var ErrNotInitialized = errors.New("worldstate: store not initialized")

// Store persists the current snapshot and the transition event chain.
// Apply must atomically update the snapshot and append the event, assigning
// Seq, PrevHash, and EntryHash from the current chain tail.
type Store interface {
	Get(ctx context.Context) (Snapshot, error)
	Apply(ctx context.Context, snap Snapshot, ev TransitionEvent) (TransitionEvent, error)
	// Events returns transition events newest-first; limit <= 0 means all.
	Events(ctx context.Context, limit int) ([]TransitionEvent, error)
}

// MemoryStore is the in-memory Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	seeded bool
	snap   Snapshot
	events []TransitionEvent
}

// NewMemoryStore creates an empty, unseeded store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded {
		return Snapshot{}, ErrNotInitialized
	}
	return s.snap, nil
}

func (s *MemoryStore) Apply(ctx context.Context, snap Snapshot, ev TransitionEvent) (TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.Seq = int64(len(s.events)) + 1
	if n := len(s.events); n > 0 {
		ev.PrevHash = s.events[n-1].EntryHash
	}
	hash, err := eventHash(ev)
	if err != nil {
		return TransitionEvent{}, err
	}
	ev.EntryHash = hash

	s.snap = snap
	s.seeded = true
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryStore) Events(ctx context.Context, limit int) ([]TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]TransitionEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
