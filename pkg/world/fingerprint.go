package world

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haltline-labs/haltline/pkg/canon"
)

// FingerprintReport is the result of one fingerprint computation. It is
// error-shaped rather than returning an error: drift probing must never
// take down a caller.
type FingerprintReport struct {
	OK          bool         `json:"ok"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Count       int          `json:"count"`
	DriftEvents []DriftEvent `json:"drift_events,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// FingerprintDetector hashes the recent-entity view of the world and reports
// a drift event when the hash moves between calls. The first computation
// establishes the baseline and never reports drift.
type FingerprintDetector struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	baseline string
}

// NewFingerprintDetector creates a detector over the given store.
func NewFingerprintDetector(store Store) *FingerprintDetector {
	return &FingerprintDetector{
		store:  store,
		logger: slog.Default().With("component", "world.fingerprint"),
	}
}

// Compute fingerprints up to limit most-recently-seen entities and compares
// against the previous baseline. limit <= 0 uses the default entity window.
func (d *FingerprintDetector) Compute(ctx context.Context, limit int) (report FingerprintReport) {
	defer func() {
		if r := recover(); r != nil {
			report = FingerprintReport{Error: fmt.Sprintf("fingerprint panic: %v", r)}
		}
	}()

	if limit <= 0 {
		limit = defaultEntityLimit
	}

	entities, err := d.store.Entities(ctx, limit)
	if err != nil {
		d.logger.Warn("entity listing failed", "error", err)
		return FingerprintReport{Error: err.Error()}
	}

	type pair struct {
		ID       string `json:"id"`
		LastSeen string `json:"last_seen"`
	}
	pairs := make([]pair, 0, len(entities))
	for _, e := range entities {
		pairs = append(pairs, pair{ID: e.EntityID, LastSeen: e.LastSeen.UTC().Format(time.RFC3339Nano)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ID != pairs[j].ID {
			return pairs[i].ID < pairs[j].ID
		}
		return pairs[i].LastSeen < pairs[j].LastSeen
	})

	fp, err := canon.CanonicalHash(pairs)
	if err != nil {
		return FingerprintReport{Error: err.Error()}
	}

	d.mu.Lock()
	prev := d.baseline
	d.baseline = fp
	d.mu.Unlock()

	report = FingerprintReport{OK: true, Fingerprint: fp, Count: len(entities)}
	if prev != "" && prev != fp {
		report.DriftEvents = []DriftEvent{{
			Kind:            DriftFingerprint,
			ConfidenceDrop:  dropFingerprintChanged,
			Reason:          "world fingerprint changed",
			PrevFingerprint: prev,
			Fingerprint:     fp,
			Detail:          fmt.Sprintf("%d entities in view", len(entities)),
		}}
	}
	return report
}
