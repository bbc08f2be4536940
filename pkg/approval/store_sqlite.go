package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore persists tokens in SQLite. Status transitions use a row-level
// compare-and-set (UPDATE ... WHERE status = 'PENDING'), so single-use holds
// across processes sharing the database file.
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
    CREATE TABLE IF NOT EXISTS approval_tokens (
        token_id TEXT PRIMARY KEY,
        issued_at TEXT NOT NULL,
        expires_at TEXT NOT NULL,
        nonce TEXT NOT NULL,
        proposal_id TEXT NOT NULL,
        scopes TEXT NOT NULL,
        alg TEXT NOT NULL,
        signature TEXT NOT NULL,
        status TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_approval_tokens_status ON approval_tokens(status);
    CREATE INDEX IF NOT EXISTS idx_approval_tokens_proposal ON approval_tokens(proposal_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, t Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_tokens (token_id, issued_at, expires_at, nonce, proposal_id, scopes, alg, signature, status)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(token_id) DO UPDATE SET
             issued_at = excluded.issued_at,
             expires_at = excluded.expires_at,
             nonce = excluded.nonce,
             proposal_id = excluded.proposal_id,
             scopes = excluded.scopes,
             alg = excluded.alg,
             signature = excluded.signature,
             status = excluded.status`,
		t.TokenID,
		t.IssuedAt.UTC().Format(time.RFC3339Nano),
		t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		t.Nonce, t.ProposalID, string(scopes), t.Alg, t.Signature, string(t.Status))
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, tokenID string) (Token, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_id, issued_at, expires_at, nonce, proposal_id, scopes, alg, signature, status
         FROM approval_tokens WHERE token_id = ?`, tokenID)

	var (
		t                  Token
		issuedAt, expireAt string
		scopes             string
		status             string
	)
	err := row.Scan(&t.TokenID, &issuedAt, &expireAt, &t.Nonce, &t.ProposalID, &scopes, &t.Alg, &t.Signature, &status)
	if err == sql.ErrNoRows {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}

	if t.IssuedAt, err = parseTime(issuedAt); err != nil {
		return Token{}, false, fmt.Errorf("parse issued_at: %w", err)
	}
	if t.ExpiresAt, err = parseTime(expireAt); err != nil {
		return Token{}, false, fmt.Errorf("parse expires_at: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return Token{}, false, fmt.Errorf("unmarshal scopes: %w", err)
	}
	t.Status = Status(status)
	return t, true, nil
}

func (s *SQLiteStore) MarkExpired(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusExpired)
}

func (s *SQLiteStore) ConsumePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusConsumed)
}

func (s *SQLiteStore) RevokePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusRevoked)
}

func (s *SQLiteStore) transition(ctx context.Context, tokenID string, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_tokens SET status = ? WHERE token_id = ? AND status = ?`,
		string(to), tokenID, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("transition token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM approval_tokens GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	stats := Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// parseTime accepts both RFC3339Nano and RFC3339, which covers rows written
// by older builds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
