package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidObservation is returned for payloads that fail schema validation.
var ErrInvalidObservation = errors.New("invalid observation")

// observationSchema is the wire contract for raw observations arriving from
// the observation layer. Everything else is rejected before it can become a
// fact.
const observationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["key", "value", "source"],
  "properties": {
    "key": {"type": "string", "minLength": 1},
    "value": {},
    "source": {
      "type": "object",
      "required": ["source_id", "kind", "trust"],
      "properties": {
        "source_id": {"type": "string", "minLength": 1},
        "kind": {"type": "string", "enum": ["sensor", "human", "inference", "memory"]},
        "trust": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "observed_at": {"type": "string", "format": "date-time"},
    "ttl_sec": {"type": "number", "minimum": 0}
  },
  "additionalProperties": false
}`

// Ingestor validates raw observation payloads and upserts them into the
// store as facts.
type Ingestor struct {
	store  Store
	schema *jsonschema.Schema
	clock  func() time.Time
	logger *slog.Logger
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestClock overrides the time source, for tests.
func WithIngestClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.clock = now }
}

// NewIngestor compiles the observation schema and returns an Ingestor.
// Schema compilation failure is a build defect, not a runtime condition, so
// construction fails rather than degrading.
func NewIngestor(store Store, opts ...IngestorOption) (*Ingestor, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://haltline.schemas.local/world/observation.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(observationSchema)); err != nil {
		return nil, fmt.Errorf("observation schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("observation schema compile failed: %w", err)
	}

	ing := &Ingestor{
		store:  store,
		schema: compiled,
		clock:  time.Now,
		logger: slog.Default().With("component", "world.ingest"),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing, nil
}

// Ingest validates the raw payload, converts it into a Fact, and upserts it.
func (i *Ingestor) Ingest(ctx context.Context, raw map[string]interface{}) (Fact, error) {
	if err := i.schema.Validate(raw); err != nil {
		return Fact{}, fmt.Errorf("%w: %v", ErrInvalidObservation, err)
	}

	src := raw["source"].(map[string]interface{})
	fact := Fact{
		FactID: newID("fact"),
		Key:    raw["key"].(string),
		Value:  raw["value"],
		Source: Source{
			SourceID: src["source_id"].(string),
			Kind:     SourceKind(src["kind"].(string)),
			Trust:    toFloat(src["trust"]),
		},
		ObservedAt: i.clock().UTC(),
	}

	if ts, ok := raw["observed_at"].(string); ok {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Fact{}, fmt.Errorf("%w: observed_at: %v", ErrInvalidObservation, err)
		}
		fact.ObservedAt = parsed.UTC()
	}
	if ttl, ok := raw["ttl_sec"]; ok {
		fact.TTL = time.Duration(toFloat(ttl) * float64(time.Second))
	}

	if err := i.store.UpsertFact(ctx, fact); err != nil {
		return Fact{}, fmt.Errorf("upsert fact: %w", err)
	}
	i.logger.Debug("fact ingested", "key", fact.Key, "source", fact.Source.SourceID)
	return fact, nil
}

// toFloat widens the numeric types a decoded JSON payload can carry.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
