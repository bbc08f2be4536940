// Package world maintains the observed world model: typed facts with source
// provenance, the entity registry, and the drift detectors that compare the
// model against plan assumptions.
//
// Nothing in this package blocks execution by itself. It produces the drift
// signals that the governance gate and the enforcement sweep act on.
package world

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceKind classifies where a fact came from.
type SourceKind string

const (
	SourceSensor    SourceKind = "sensor"
	SourceHuman     SourceKind = "human"
	SourceInference SourceKind = "inference"
	SourceMemory    SourceKind = "memory"
)

// Source identifies the origin of a fact and its baseline trust.
type Source struct {
	SourceID string     `json:"source_id"`
	Kind     SourceKind `json:"kind"`
	Trust    float64    `json:"trust"` // 0.0 - 1.0 baseline trust
}

// Fact is a single keyed observation about the world.
type Fact struct {
	FactID     string        `json:"fact_id"`
	Key        string        `json:"key"`
	Value      interface{}   `json:"value"`
	ObservedAt time.Time     `json:"observed_at"`
	Source     Source        `json:"source"`
	TTL        time.Duration `json:"ttl,omitempty"` // zero means no expiry
}

// Age returns how old the observation is at now.
func (f Fact) Age(now time.Time) time.Duration {
	return now.Sub(f.ObservedAt)
}

// IsStale reports whether the fact outlived its TTL at now.
// Facts without a TTL never go stale.
func (f Fact) IsStale(now time.Time) bool {
	return f.TTL > 0 && f.Age(now) > f.TTL
}

// EntityStatus is the registry's view of an entity's health.
type EntityStatus string

const (
	StatusOK       EntityStatus = "OK"
	StatusDegraded EntityStatus = "DEGRADED"
	StatusDown     EntityStatus = "DOWN"
	StatusUnknown  EntityStatus = "UNKNOWN"
)

// Entity is a tracked participant of the world model: a node, service,
// device, person, or runner.
type Entity struct {
	EntityID    string                 `json:"entity_id"`
	Kind        string                 `json:"kind"`
	DisplayName string                 `json:"display_name"`
	Tags        []string               `json:"tags,omitempty"`
	Attrs       map[string]interface{} `json:"attrs,omitempty"`
	LastSeen    time.Time              `json:"last_seen"`
	Status      EntityStatus           `json:"status"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// Snapshot is a point-in-time copy of the fact table.
type Snapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Facts      map[string]Fact `json:"facts"`
}

// Drift event kinds.
const (
	DriftExpectation = "expectation"
	DriftFingerprint = "fingerprint_changed"
)

// DriftEvent reports one detected divergence between the expected and the
// observed world. Expectation events carry Key/Expected/Observed; fingerprint
// events carry the hash pair instead.
type DriftEvent struct {
	Kind            string      `json:"kind"`
	Key             string      `json:"key,omitempty"`
	Expected        interface{} `json:"expected,omitempty"`
	Observed        interface{} `json:"observed,omitempty"`
	ConfidenceDrop  float64     `json:"confidence_drop,omitempty"`
	Reason          string      `json:"reason"`
	PrevFingerprint string      `json:"prev_fingerprint,omitempty"`
	Fingerprint     string      `json:"fingerprint,omitempty"`
	Detail          string      `json:"detail,omitempty"`
}

func newID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(u[:6]))
}
