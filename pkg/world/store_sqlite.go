package world

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the world model in SQLite. Timestamps are stored as
// unix milliseconds so staleness and recency queries run server-side.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the time source, for tests.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.clock = now }
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS world_facts (
        key TEXT PRIMARY KEY,
        fact_id TEXT NOT NULL,
        value JSON NOT NULL,
        observed_at_ms INTEGER NOT NULL,
        source_id TEXT NOT NULL,
        source_kind TEXT NOT NULL,
        source_trust REAL NOT NULL,
        ttl_ms INTEGER NOT NULL DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS world_entities (
        entity_id TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        display_name TEXT NOT NULL,
        tags JSON NOT NULL DEFAULT '[]',
        attrs JSON NOT NULL DEFAULT '{}',
        last_seen_ms INTEGER NOT NULL DEFAULT 0,
        status TEXT NOT NULL DEFAULT 'UNKNOWN',
        meta JSON NOT NULL DEFAULT '{}'
    );
    CREATE INDEX IF NOT EXISTS idx_world_entities_last_seen ON world_entities(last_seen_ms DESC);
    CREATE INDEX IF NOT EXISTS idx_world_facts_observed ON world_facts(observed_at_ms);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) UpsertFact(ctx context.Context, fact Fact) error {
	valueJSON, err := json.Marshal(fact.Value)
	if err != nil {
		return fmt.Errorf("marshal fact value: %w", err)
	}
	query := `INSERT INTO world_facts (key, fact_id, value, observed_at_ms, source_id, source_kind, source_trust, ttl_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            fact_id = excluded.fact_id,
            value = excluded.value,
            observed_at_ms = excluded.observed_at_ms,
            source_id = excluded.source_id,
            source_kind = excluded.source_kind,
            source_trust = excluded.source_trust,
            ttl_ms = excluded.ttl_ms`
	_, err = s.db.ExecContext(ctx, query,
		fact.Key, fact.FactID, string(valueJSON), fact.ObservedAt.UTC().UnixMilli(),
		fact.Source.SourceID, string(fact.Source.Kind), fact.Source.Trust, fact.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Fact(ctx context.Context, key string) (Fact, bool, error) {
	query := `SELECT key, fact_id, value, observed_at_ms, source_id, source_kind, source_trust, ttl_ms
        FROM world_facts WHERE key = ?`
	row := s.db.QueryRowContext(ctx, query, key)
	f, err := scanFactRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return Fact{}, false, nil
		}
		return Fact{}, false, err
	}
	return f, true, nil
}

func (s *SQLiteStore) Facts(ctx context.Context) ([]Fact, error) {
	query := `SELECT key, fact_id, value, observed_at_ms, source_id, source_kind, source_trust, ttl_ms
        FROM world_facts ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var facts []Fact
	for rows.Next() {
		f, err := scanFactRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (s *SQLiteStore) Staleness(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	cutoff := s.clock().Add(-staleAfter).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM world_facts WHERE observed_at_ms < ? ORDER BY key`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e Entity) error {
	tagsJSON, _ := json.Marshal(e.Tags)
	attrsJSON, _ := json.Marshal(e.Attrs)
	metaJSON, _ := json.Marshal(e.Meta)
	if e.Status == "" {
		e.Status = StatusUnknown
	}
	query := `INSERT INTO world_entities (entity_id, kind, display_name, tags, attrs, last_seen_ms, status, meta)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(entity_id) DO UPDATE SET
            kind = excluded.kind,
            display_name = excluded.display_name,
            tags = excluded.tags,
            attrs = excluded.attrs,
            last_seen_ms = excluded.last_seen_ms,
            status = excluded.status,
            meta = excluded.meta`
	_, err := s.db.ExecContext(ctx, query,
		e.EntityID, e.Kind, e.DisplayName, string(tagsJSON), string(attrsJSON),
		e.LastSeen.UTC().UnixMilli(), string(e.Status), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Entity(ctx context.Context, id string) (Entity, bool, error) {
	query := `SELECT entity_id, kind, display_name, tags, attrs, last_seen_ms, status, meta
        FROM world_entities WHERE entity_id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	e, err := scanEntityRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entity{}, false, nil
		}
		return Entity{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) Entities(ctx context.Context, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = defaultEntityLimit
	}
	query := `SELECT entity_id, kind, display_name, tags, attrs, last_seen_ms, status, meta
        FROM world_entities ORDER BY last_seen_ms DESC, entity_id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *SQLiteStore) CountEntities(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM world_entities`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) TouchEntity(ctx context.Context, id string, status EntityStatus, meta map[string]interface{}) (Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT entity_id, kind, display_name, tags, attrs, last_seen_ms, status, meta
         FROM world_entities WHERE entity_id = ?`, id)
	e, err := scanEntityRow(row.Scan)
	if err == sql.ErrNoRows {
		e = Entity{EntityID: id, Kind: "unknown", DisplayName: id, Status: StatusUnknown}
	} else if err != nil {
		return Entity{}, err
	}

	e.LastSeen = s.clock().UTC()
	e.Status = status
	if len(meta) > 0 {
		if e.Meta == nil {
			e.Meta = make(map[string]interface{}, len(meta))
		}
		for k, v := range meta {
			e.Meta[k] = v
		}
	}

	tagsJSON, _ := json.Marshal(e.Tags)
	attrsJSON, _ := json.Marshal(e.Attrs)
	metaJSON, _ := json.Marshal(e.Meta)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_entities (entity_id, kind, display_name, tags, attrs, last_seen_ms, status, meta)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(entity_id) DO UPDATE SET
             last_seen_ms = excluded.last_seen_ms,
             status = excluded.status,
             meta = excluded.meta`,
		e.EntityID, e.Kind, e.DisplayName, string(tagsJSON), string(attrsJSON),
		e.LastSeen.UnixMilli(), string(e.Status), string(metaJSON),
	)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to touch entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (Snapshot, error) {
	facts, err := s.Facts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byKey := make(map[string]Fact, len(facts))
	for _, f := range facts {
		byKey[f.Key] = f
	}
	return Snapshot{
		SnapshotID: newID("snapshot"),
		CreatedAt:  s.clock().UTC(),
		Facts:      byKey,
	}, nil
}

func scanFactRow(scan func(dest ...any) error) (Fact, error) {
	var (
		key        string
		factID     string
		valueJSON  string
		observedMS int64
		sourceID   string
		sourceKind string
		trust      float64
		ttlMS      int64
	)
	if err := scan(&key, &factID, &valueJSON, &observedMS, &sourceID, &sourceKind, &trust, &ttlMS); err != nil {
		return Fact{}, err
	}

	var value interface{}
	_ = json.Unmarshal([]byte(valueJSON), &value)

	return Fact{
		FactID:     factID,
		Key:        key,
		Value:      value,
		ObservedAt: time.UnixMilli(observedMS).UTC(),
		Source:     Source{SourceID: sourceID, Kind: SourceKind(sourceKind), Trust: trust},
		TTL:        time.Duration(ttlMS) * time.Millisecond,
	}, nil
}

func scanEntityRow(scan func(dest ...any) error) (Entity, error) {
	var (
		entityID    string
		kind        string
		displayName string
		tagsJSON    string
		attrsJSON   string
		lastSeenMS  int64
		status      string
		metaJSON    string
	)
	if err := scan(&entityID, &kind, &displayName, &tagsJSON, &attrsJSON, &lastSeenMS, &status, &metaJSON); err != nil {
		return Entity{}, err
	}

	var tags []string
	_ = json.Unmarshal([]byte(tagsJSON), &tags)
	var attrs map[string]interface{}
	_ = json.Unmarshal([]byte(attrsJSON), &attrs)
	var meta map[string]interface{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)

	e := Entity{
		EntityID:    entityID,
		Kind:        kind,
		DisplayName: displayName,
		Tags:        tags,
		Attrs:       attrs,
		Status:      EntityStatus(status),
		Meta:        meta,
	}
	if lastSeenMS > 0 {
		e.LastSeen = time.UnixMilli(lastSeenMS).UTC()
	}
	return e, nil
}
