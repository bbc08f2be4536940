package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haltline-labs/haltline/pkg/evidence"
)

// SQLiteReceiptStore persists receipts in SQLite. Timestamps are stored as
// unix milliseconds, matching the receipts' millisecond precision.
type SQLiteReceiptStore struct {
	db *sql.DB
}

// NewSQLiteReceiptStore creates the store and runs migrations.
func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS execution_receipts (
        receipt_id TEXT PRIMARY KEY,
        trace_id TEXT NOT NULL,
        step_id TEXT NOT NULL,
        ok INTEGER NOT NULL,
        started_at_ms INTEGER NOT NULL,
        finished_at_ms INTEGER NOT NULL,
        output TEXT NOT NULL,
        evidence TEXT,
        error TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_execution_receipts_trace ON execution_receipts(trace_id, started_at_ms DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteReceiptStore) Append(ctx context.Context, r Receipt) error {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	var evidenceJSON sql.NullString
	if len(r.Evidence) > 0 {
		buf, err := json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		evidenceJSON = sql.NullString{String: string(buf), Valid: true}
	}
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_receipts (receipt_id, trace_id, step_id, ok, started_at_ms, finished_at_ms, output, evidence, error)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.TraceID, r.StepID, boolToInt(r.OK),
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		string(output), evidenceJSON, errText)
	if err != nil {
		return fmt.Errorf("failed to append receipt: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, receiptID string) (Receipt, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT receipt_id, trace_id, step_id, ok, started_at_ms, finished_at_ms, output, evidence, error
         FROM execution_receipts WHERE receipt_id = ?`, receiptID)

	r, err := scanReceiptRow(row.Scan)
	if err == sql.ErrNoRows {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteReceiptStore) ListByTrace(ctx context.Context, traceID string, limit int) ([]Receipt, error) {
	query := `SELECT receipt_id, trace_id, step_id, ok, started_at_ms, finished_at_ms, output, evidence, error
        FROM execution_receipts WHERE trace_id = ? ORDER BY started_at_ms DESC, receipt_id DESC`
	args := []any{traceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		r, err := scanReceiptRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanReceiptRow(scan func(dest ...any) error) (Receipt, error) {
	var (
		r            Receipt
		ok           int
		startedAtMS  int64
		finishedAtMS int64
		output       string
		evidenceJSON sql.NullString
		errText      sql.NullString
	)
	if err := scan(&r.ReceiptID, &r.TraceID, &r.StepID, &ok, &startedAtMS, &finishedAtMS, &output, &evidenceJSON, &errText); err != nil {
		return Receipt{}, err
	}

	r.OK = ok == 1
	r.StartedAt = time.UnixMilli(startedAtMS).UTC()
	r.FinishedAt = time.UnixMilli(finishedAtMS).UTC()
	if err := json.Unmarshal([]byte(output), &r.Output); err != nil {
		return Receipt{}, fmt.Errorf("unmarshal output: %w", err)
	}
	if evidenceJSON.Valid {
		var refs []evidence.Ref
		if err := json.Unmarshal([]byte(evidenceJSON.String), &refs); err != nil {
			return Receipt{}, fmt.Errorf("unmarshal evidence: %w", err)
		}
		r.Evidence = refs
	}
	r.Error = errText.String
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
