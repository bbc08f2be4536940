package world

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultEntityLimit = 50

// Store is the observation store: the fact table plus the entity registry.
// Implementations must be safe for concurrent use.
type Store interface {
	UpsertFact(ctx context.Context, fact Fact) error
	Fact(ctx context.Context, key string) (Fact, bool, error)
	Facts(ctx context.Context) ([]Fact, error)
	// Staleness returns the keys of facts observed longer than staleAfter
	// ago, sorted.
	Staleness(ctx context.Context, staleAfter time.Duration) ([]string, error)

	UpsertEntity(ctx context.Context, e Entity) error
	Entity(ctx context.Context, id string) (Entity, bool, error)
	// Entities returns up to limit entities, most recently seen first.
	Entities(ctx context.Context, limit int) ([]Entity, error)
	CountEntities(ctx context.Context) (int, error)
	// TouchEntity marks an entity as just-observed with the given status,
	// creating a minimal record if the entity is unknown. The meta patch is
	// merged key-wise into the existing meta.
	TouchEntity(ctx context.Context, id string, status EntityStatus, meta map[string]interface{}) (Entity, error)

	Snapshot(ctx context.Context) (Snapshot, error)
}

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	facts    map[string]Fact
	entities map[string]Entity
	clock    func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		facts:    make(map[string]Fact),
		entities: make(map[string]Entity),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) UpsertFact(ctx context.Context, fact Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.Key] = fact
	return nil
}

func (s *MemoryStore) Fact(ctx context.Context, key string) (Fact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	return f, ok, nil
}

func (s *MemoryStore) Facts(ctx context.Context) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Staleness(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	now := s.clock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key, f := range s.facts {
		if f.Age(now) > staleAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) UpsertEntity(ctx context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.EntityID] = e
	return nil
}

func (s *MemoryStore) Entity(ctx context.Context, id string) (Entity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok, nil
}

func (s *MemoryStore) Entities(ctx context.Context, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = defaultEntityLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountEntities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), nil
}

func (s *MemoryStore) TouchEntity(ctx context.Context, id string, status EntityStatus, meta map[string]interface{}) (Entity, error) {
	now := s.clock().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		e = Entity{
			EntityID:    id,
			Kind:        "unknown",
			DisplayName: id,
			Status:      StatusUnknown,
		}
	}
	e.LastSeen = now
	e.Status = status
	if len(meta) > 0 {
		if e.Meta == nil {
			e.Meta = make(map[string]interface{}, len(meta))
		}
		for k, v := range meta {
			e.Meta[k] = v
		}
	}
	s.entities[id] = e
	return e, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facts := make(map[string]Fact, len(s.facts))
	for k, v := range s.facts {
		facts[k] = v
	}
	return Snapshot{
		SnapshotID: newID("snapshot"),
		CreatedAt:  s.clock().UTC(),
		Facts:      facts,
	}, nil
}
