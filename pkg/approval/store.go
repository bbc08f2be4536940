package approval

import (
	"context"
	"sync"
)

// TokenStore persists issued tokens. Status transitions are compare-and-set:
// each transition method applies only from Pending and reports whether it
// won, so concurrent spenders resolve to exactly one winner regardless of
// the backing store.
type TokenStore interface {
	Put(ctx context.Context, t Token) error
	Get(ctx context.Context, tokenID string) (Token, bool, error)
	// MarkExpired transitions Pending -> Expired.
	MarkExpired(ctx context.Context, tokenID string) (bool, error)
	// ConsumePending transitions Pending -> Consumed.
	ConsumePending(ctx context.Context, tokenID string) (bool, error)
	// RevokePending transitions Pending -> Revoked.
	RevokePending(ctx context.Context, tokenID string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is the in-memory TokenStore used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Put(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenID] = cloneToken(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tokenID string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return Token{}, false, nil
	}
	return cloneToken(t), true, nil
}

func (s *MemoryStore) MarkExpired(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(tokenID, StatusExpired), nil
}

func (s *MemoryStore) ConsumePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(tokenID, StatusConsumed), nil
}

func (s *MemoryStore) RevokePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(tokenID, StatusRevoked), nil
}

func (s *MemoryStore) transition(tokenID string, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || t.Status != StatusPending {
		return false
	}
	t.Status = to
	s.tokens[tokenID] = t
	return true
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(s.tokens), ByStatus: make(map[Status]int)}
	for _, t := range s.tokens {
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}
