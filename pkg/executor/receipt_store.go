package executor

import (
	"context"
	"sync"
)

// ReceiptStore persists receipts durably. Append never overwrites: receipts
// are immutable once written.
type ReceiptStore interface {
	Append(ctx context.Context, r Receipt) error
	Get(ctx context.Context, receiptID string) (Receipt, bool, error)
	// ListByTrace returns a trace's receipts newest-first; limit <= 0 means all.
	ListByTrace(ctx context.Context, traceID string, limit int) ([]Receipt, error)
}

// MemoryReceiptStore is the in-memory ReceiptStore used by tests and
// ephemeral runs.
type MemoryReceiptStore struct {
	mu       sync.Mutex
	receipts []Receipt
	byID     map[string]int
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{byID: make(map[string]int)}
}

func (s *MemoryReceiptStore) Append(ctx context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[r.ReceiptID] = len(s.receipts)
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *MemoryReceiptStore) Get(ctx context.Context, receiptID string) (Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[receiptID]
	if !ok {
		return Receipt{}, false, nil
	}
	return s.receipts[i], true, nil
}

func (s *MemoryReceiptStore) ListByTrace(ctx context.Context, traceID string, limit int) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Receipt
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].TraceID != traceID {
			continue
		}
		out = append(out, s.receipts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
