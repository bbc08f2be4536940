package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists tokens in PostgreSQL with the same row-level
// compare-and-set transitions as the SQLite store.
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
    CREATE TABLE IF NOT EXISTS approval_tokens (
        token_id TEXT PRIMARY KEY,
        issued_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        nonce TEXT NOT NULL,
        proposal_id TEXT NOT NULL,
        scopes JSONB NOT NULL,
        alg TEXT NOT NULL,
        signature TEXT NOT NULL,
        status TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_approval_tokens_status ON approval_tokens(status);
    CREATE INDEX IF NOT EXISTS idx_approval_tokens_proposal ON approval_tokens(proposal_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, t Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_tokens (token_id, issued_at, expires_at, nonce, proposal_id, scopes, alg, signature, status)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         ON CONFLICT (token_id) DO UPDATE SET
             issued_at = EXCLUDED.issued_at,
             expires_at = EXCLUDED.expires_at,
             nonce = EXCLUDED.nonce,
             proposal_id = EXCLUDED.proposal_id,
             scopes = EXCLUDED.scopes,
             alg = EXCLUDED.alg,
             signature = EXCLUDED.signature,
             status = EXCLUDED.status`,
		t.TokenID, t.IssuedAt.UTC(), t.ExpiresAt.UTC(),
		t.Nonce, t.ProposalID, string(scopes), t.Alg, t.Signature, string(t.Status))
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tokenID string) (Token, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_id, issued_at, expires_at, nonce, proposal_id, scopes, alg, signature, status
         FROM approval_tokens WHERE token_id = $1`, tokenID)

	var (
		t      Token
		scopes string
		status string
	)
	err := row.Scan(&t.TokenID, &t.IssuedAt, &t.ExpiresAt, &t.Nonce, &t.ProposalID, &scopes, &t.Alg, &t.Signature, &status)
	if err == sql.ErrNoRows {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}

	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return Token{}, false, fmt.Errorf("unmarshal scopes: %w", err)
	}
	t.Status = Status(status)
	return t, true, nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusExpired)
}

func (s *PostgresStore) ConsumePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusConsumed)
}

func (s *PostgresStore) RevokePending(ctx context.Context, tokenID string) (bool, error) {
	return s.transition(ctx, tokenID, StatusRevoked)
}

func (s *PostgresStore) transition(ctx context.Context, tokenID string, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_tokens SET status = $1 WHERE token_id = $2 AND status = $3`,
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

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
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
