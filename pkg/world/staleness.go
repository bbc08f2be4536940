package world

import (
	"context"
	"time"
)

// maxStaleKeys caps the report payload. The count is still exact.
const maxStaleKeys = 200

// StalenessReport summarizes which facts have outlived the staleness window.
type StalenessReport struct {
	OK         bool          `json:"ok"`
	Now        time.Time     `json:"now"`
	StaleAfter time.Duration `json:"stale_after"`
	StaleCount int           `json:"stale_count"`
	StaleKeys  []string      `json:"stale_keys,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// StalenessMonitor computes staleness signals without ever failing; store
// faults degrade to an error-shaped report.
type StalenessMonitor struct {
	store Store
	clock func() time.Time
}

// StalenessOption configures a StalenessMonitor.
type StalenessOption func(*StalenessMonitor)

// WithStalenessClock overrides the time source, for tests.
func WithStalenessClock(now func() time.Time) StalenessOption {
	return func(m *StalenessMonitor) { m.clock = now }
}

// NewStalenessMonitor creates a monitor over the given store.
func NewStalenessMonitor(store Store, opts ...StalenessOption) *StalenessMonitor {
	m := &StalenessMonitor{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report lists facts last observed more than staleAfter ago.
func (m *StalenessMonitor) Report(ctx context.Context, staleAfter time.Duration) StalenessReport {
	now := m.clock().UTC()
	keys, err := m.store.Staleness(ctx, staleAfter)
	if err != nil {
		return StalenessReport{Now: now, StaleAfter: staleAfter, Error: err.Error()}
	}
	report := StalenessReport{
		OK:         true,
		Now:        now,
		StaleAfter: staleAfter,
		StaleCount: len(keys),
		StaleKeys:  keys,
	}
	if len(report.StaleKeys) > maxStaleKeys {
		report.StaleKeys = report.StaleKeys[:maxStaleKeys]
	}
	return report
}
