// Package evidence stores execution evidence blobs content-addressed by
// SHA-256 and hands back durable references for receipts.
package evidence

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/haltline-labs/haltline/pkg/canon"
)

// Ref points at a piece of evidence: a log snapshot, screenshot, output
// blob, or trace segment. Note is free text for humans.
type Ref struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Note string `json:"note,omitempty"`
}

// Common evidence kinds.
const (
	KindOutput     = "output"
	KindLog        = "log"
	KindScreenshot = "screenshot"
	KindTrace      = "trace"
)

const hashPrefix = "sha256:"

// Store is content-addressed storage for evidence blobs. Put returns the
// "sha256:<hex>" address; writes are idempotent.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// hashOf returns the prefixed content address of data.
func hashOf(data []byte) string {
	return hashPrefix + canon.HashBytes(data)
}

// rawHash validates a prefixed address and returns the bare hex digest.
func rawHash(hash string) (string, error) {
	if !strings.HasPrefix(hash, hashPrefix) {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	raw := strings.TrimPrefix(hash, hashPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

// MemoryStore keeps blobs in memory, for tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := hashOf(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.blobs[hash] = buf
	}
	return hash, nil
}

func (s *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if _, err := rawHash(hash); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("evidence not found: %s", hash)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, hash string) (bool, error) {
	if _, err := rawHash(hash); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, hash string) error {
	if _, err := rawHash(hash); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}
