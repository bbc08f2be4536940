package worldstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the snapshot and event chain in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS world_state (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        state TEXT NOT NULL,
        reason TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        updated_by TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS world_state_events (
        seq INTEGER PRIMARY KEY,
        from_state TEXT NOT NULL,
        to_state TEXT NOT NULL,
        reason TEXT NOT NULL,
        actor TEXT NOT NULL,
        trace_id TEXT,
        created_at TEXT NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        entry_hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, reason, updated_at, updated_by FROM world_state WHERE id = 1`)

	var (
		state     string
		reason    string
		updatedAt string
		updatedBy string
	)
	if err := row.Scan(&state, &reason, &updatedAt, &updatedBy); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, ErrNotInitialized
		}
		return Snapshot{}, err
	}
	return Snapshot{
		State:     State(state),
		Reason:    reason,
		UpdatedAt: parseTime(updatedAt),
		UpdatedBy: updatedBy,
	}, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, snap Snapshot, ev TransitionEvent) (TransitionEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

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
         VALUES (1, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             state = excluded.state,
             reason = excluded.reason,
             updated_at = excluded.updated_at,
             updated_by = excluded.updated_by`,
		string(snap.State), snap.Reason, snap.UpdatedAt.UTC().Format(time.RFC3339Nano), snap.UpdatedBy)
	if err != nil {
		return TransitionEvent{}, fmt.Errorf("failed to update snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_state_events (seq, from_state, to_state, reason, actor, trace_id, created_at, prev_hash, entry_hash)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, string(ev.From), string(ev.To), ev.Reason, ev.Actor, ev.TraceID,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano), ev.PrevHash, ev.EntryHash)
	if err != nil {
		return TransitionEvent{}, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TransitionEvent{}, err
	}
	return ev, nil
}

func (s *SQLiteStore) Events(ctx context.Context, limit int) ([]TransitionEvent, error) {
	query := `SELECT seq, from_state, to_state, reason, actor, trace_id, created_at, prev_hash, entry_hash
        FROM world_state_events ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
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
			createdAt string
		)
		if err := rows.Scan(&ev.Seq, &fromState, &toState, &ev.Reason, &ev.Actor, &traceID, &createdAt, &ev.PrevHash, &ev.EntryHash); err != nil {
			return nil, err
		}
		ev.From = State(fromState)
		ev.To = State(toState)
		ev.TraceID = traceID.String
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
