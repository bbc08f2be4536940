package worldstate

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the snapshot and event chain in PostgreSQL.
// The snapshot row is locked FOR UPDATE during Apply so concurrent writers
// from other processes serialize on the database rather than on process
// mutexes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS world_state (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        state TEXT NOT NULL,
        reason TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        updated_by TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS world_state_events (
        seq BIGINT PRIMARY KEY,
        from_state TEXT NOT NULL,
        to_state TEXT NOT NULL,
        reason TEXT NOT NULL,
        actor TEXT NOT NULL,
        trace_id TEXT,
        created_at TIMESTAMPTZ NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        entry_hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, reason, updated_at, updated_by FROM world_state WHERE id = 1`)

	var snap Snapshot
	var state string
	if err := row.Scan(&state, &snap.Reason, &snap.UpdatedAt, &snap.UpdatedBy); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, ErrNotInitialized
		}
		return Snapshot{}, err
	}
	snap.State = State(state)
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

func (s *PostgresStore) Apply(ctx context.Context, snap Snapshot, ev TransitionEvent) (TransitionEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialization point for cross-process writers. No row exists before
	// the seed; the seed itself serializes on the primary-key insert.
	_, _ = tx.ExecContext(ctx, `SELECT id FROM world_state WHERE id = 1 FOR UPDATE`)

	var (
		lastSeq  int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM world_state_events ORDER BY seq DESC LIMIT 1`).
		Scan(&lastSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return TransitionEvent{}, err
	}

	ev.Seq = lastSeq + 1
	ev.PrevHash = lastHash
	ev.EntryHash, err = eventHash(ev)
	if err != nil {
		return TransitionEvent{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_state (id, state, reason, updated_at, updated_by)
         VALUES (1, $1, $2, $3, $4)
         ON CONFLICT (id) DO UPDATE SET
             state = EXCLUDED.state,
             reason = EXCLUDED.reason,
             updated_at = EXCLUDED.updated_at,
             updated_by = EXCLUDED.updated_by`,
		string(snap.State), snap.Reason, snap.UpdatedAt.UTC(), snap.UpdatedBy)
	if err != nil {
		return TransitionEvent{}, fmt.Errorf("failed to update snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_state_events (seq, from_state, to_state, reason, actor, trace_id, created_at, prev_hash, entry_hash)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.Seq, string(ev.From), string(ev.To), ev.Reason, ev.Actor, ev.TraceID,
		ev.CreatedAt.UTC(), ev.PrevHash, ev.EntryHash)
	if err != nil {
		return TransitionEvent{}, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TransitionEvent{}, err
	}
	return ev, nil
}

func (s *PostgresStore) Events(ctx context.Context, limit int) ([]TransitionEvent, error) {
	query := `SELECT seq, from_state, to_state, reason, actor, trace_id, created_at, prev_hash, entry_hash
        FROM world_state_events ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []TransitionEvent
	for rows.Next() {
		var (
			ev        TransitionEvent
			fromState string
			toState   string
			traceID   sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &fromState, &toState, &ev.Reason, &ev.Actor, &traceID, &ev.CreatedAt, &ev.PrevHash, &ev.EntryHash); err != nil {
			return nil, err
		}
		ev.From = State(fromState)
		ev.To = State(toState)
		ev.TraceID = traceID.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
