package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haltline-labs/haltline/pkg/audit"
	"github.com/haltline-labs/haltline/pkg/canon"
)

// MinSecretLen is the shortest accepted signing secret.
const MinSecretLen = 16

const nonceLen = 18

// Issue limits: a proposal may be re-approved after edits, but an agent
// hammering the approval endpoint is a fault, not a workflow.
const (
	defaultIssueRate    = rate.Limit(0.5) // sustained issues per second, per proposal
	defaultIssueBurst   = 5
	maxTrackedProposals = 1024
)

var (
	ErrSecretTooShort = errors.New("approval: signing secret must be at least 16 characters")
	ErrNoScopes       = errors.New("approval: at least one scope required")
	ErrRateLimited    = errors.New("approval: issue rate limit exceeded")
	ErrNotFound       = errors.New("approval: token not found")
	ErrNotPending     = errors.New("approval: token not pending")
)

// Service issues, verifies, and consumes approval tokens.
type Service struct {
	store  TokenStore
	key    []byte
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
	audit  audit.Logger

	limMu      sync.Mutex
	limiters   map[string]*rate.Limiter
	issueRate  rate.Limit
	issueBurst int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// WithAudit attaches an audit logger.
func WithAudit(l audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIssueLimit overrides the per-proposal issue rate limit.
func WithIssueLimit(r rate.Limit, burst int) Option {
	return func(s *Service) {
		s.issueRate = r
		s.issueBurst = burst
	}
}

// NewService builds the token service. Construction fails closed on a weak
// secret: no service, no tokens.
func NewService(secret string, ttl time.Duration, store TokenStore, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:      store,
		key:        key,
		ttl:        ttl,
		clock:      time.Now,
		logger:     slog.Default().With("component", "approval"),
		limiters:   make(map[string]*rate.Limiter),
		issueRate:  defaultIssueRate,
		issueBurst: defaultIssueBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs and persists a new Pending token covering scopes.
//
// The token id is random, the nonce is random, and timestamps carry
// whole-second precision so the signed payload survives every store.
func (s *Service) Issue(ctx context.Context, proposalID string, scopes []ActionScope) (Token, error) {
	proposalID = strings.TrimSpace(proposalID)
	if proposalID == "" {
		return Token{}, errors.New("approval: proposal id required")
	}
	if len(scopes) == 0 {
		return Token{}, ErrNoScopes
	}
	scopes = cloneScopes(scopes)
	if err := validateScopes(scopes); err != nil {
		return Token{}, err
	}
	if !s.limiter(proposalID).Allow() {
		return Token{}, fmt.Errorf("%w: proposal %s", ErrRateLimited, proposalID)
	}

	nonce, err := newNonce()
	if err != nil {
		return Token{}, err
	}
	now := s.clock().UTC().Truncate(time.Second)
	t := Token{
		TokenID:    uuid.NewString(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
		Nonce:      nonce,
		ProposalID: proposalID,
		Scopes:     scopes,
		Alg:        AlgHMACSHA256,
		Status:     StatusPending,
	}
	t.Signature, err = sign(s.key, t)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	if err := s.store.Put(ctx, t); err != nil {
		return Token{}, fmt.Errorf("persist token: %w", err)
	}

	s.logger.Info("token issued",
		"token_id", t.TokenID, "proposal_id", proposalID, "scopes", len(scopes), "expires_at", t.ExpiresAt)
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.EventToken, "issue", t.TokenID, map[string]interface{}{
			"proposal_id": proposalID,
			"scopes":      len(scopes),
			"expires_at":  t.ExpiresAt.Format(time.RFC3339),
		})
	}
	return t, nil
}

// Verify checks a presented token claim against the issued record.
//
// The authoritative signature is recomputed from the STORED token; the
// claim's signature is compared against that recomputation, so a claim
// cannot vouch for itself. All failures are verdict values.
func (s *Service) Verify(ctx context.Context, claim Token, expected *ActionScope) VerifyResult {
	stored, found, err := s.store.Get(ctx, claim.TokenID)
	if err != nil {
		s.logger.Error("token lookup failed", "token_id", claim.TokenID, "error", err)
		return VerifyResult{Status: StatusInvalid, Reason: "Token store unavailable"}
	}
	if !found {
		return VerifyResult{Status: StatusInvalid, Reason: "Unknown token_id"}
	}

	expectedSig, err := sign(s.key, stored)
	if err != nil {
		return VerifyResult{Status: StatusInvalid, Reason: fmt.Sprintf("Canonical payload failed: %v", err)}
	}
	if !signatureEqual(expectedSig, claim.Signature) {
		return VerifyResult{Status: StatusInvalid, Reason: "Signature mismatch"}
	}

	if claim.Nonce != stored.Nonce ||
		!claim.IssuedAt.Equal(stored.IssuedAt) ||
		!claim.ExpiresAt.Equal(stored.ExpiresAt) {
		return VerifyResult{Status: StatusInvalid, Reason: "Token fields do not match issued record"}
	}

	if !s.clock().Before(stored.ExpiresAt) {
		s.expire(ctx, stored)
		return VerifyResult{Status: StatusExpired, Reason: "Token expired", ExpiresAt: stored.ExpiresAt}
	}

	if stored.Status != StatusPending {
		return VerifyResult{Status: stored.Status, Reason: fmt.Sprintf("Token not pending: %s", stored.Status)}
	}

	if expected != nil && !scopeCovered(stored.Scopes, *expected) {
		return VerifyResult{Status: StatusInvalid, Reason: "Scope not covered by token"}
	}

	return VerifyResult{OK: true, Status: StatusPending, Reason: "Token valid", ExpiresAt: stored.ExpiresAt}
}

// Consume spends a token. Single-use is enforced by the store's atomic
// Pending -> Consumed transition: under a double-spend race exactly one
// caller gets OK.
func (s *Service) Consume(ctx context.Context, tokenID, nonce string) ConsumeResult {
	stored, found, err := s.store.Get(ctx, tokenID)
	if err != nil {
		s.logger.Error("token lookup failed", "token_id", tokenID, "error", err)
		return ConsumeResult{Status: StatusNotFound, Reason: "Token store unavailable"}
	}
	if !found {
		return ConsumeResult{Status: StatusNotFound, Reason: "Unknown token_id"}
	}

	if nonce != stored.Nonce {
		return ConsumeResult{Status: stored.Status, Reason: "Nonce does not match issued record"}
	}

	if !s.clock().Before(stored.ExpiresAt) {
		s.expire(ctx, stored)
		return ConsumeResult{Status: StatusExpired, Reason: "Token expired"}
	}

	if stored.Status != StatusPending {
		return ConsumeResult{Status: stored.Status, Reason: fmt.Sprintf("Token not pending: %s", stored.Status)}
	}

	won, err := s.store.ConsumePending(ctx, tokenID)
	if err != nil {
		s.logger.Error("token consume failed", "token_id", tokenID, "error", err)
		return ConsumeResult{Status: stored.Status, Reason: "Token store unavailable"}
	}
	if !won {
		// Lost the race; report whatever status the winner left behind.
		status := stored.Status
		if cur, ok, err := s.store.Get(ctx, tokenID); err == nil && ok {
			status = cur.Status
		}
		return ConsumeResult{Status: status, Reason: fmt.Sprintf("Token not pending: %s", status)}
	}

	s.logger.Info("token consumed", "token_id", tokenID, "proposal_id", stored.ProposalID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.EventToken, "consume", tokenID, map[string]interface{}{
			"proposal_id": stored.ProposalID,
		})
	}
	return ConsumeResult{OK: true, Status: StatusConsumed, Reason: "Token consumed (single-use)"}
}

// Revoke withdraws a Pending token. Consumed or expired tokens are history
// and stay as they are.
func (s *Service) Revoke(ctx context.Context, tokenID, reason string) error {
	won, err := s.store.RevokePending(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if !won {
		_, found, err := s.store.Get(ctx, tokenID)
		if err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		return ErrNotPending
	}

	s.logger.Info("token revoked", "token_id", tokenID, "reason", reason)
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.EventToken, "revoke", tokenID, map[string]interface{}{
			"reason": reason,
		})
	}
	return nil
}

// Stats reports store totals per status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// expire applies lazy expiry. Only Pending tokens transition: a consumed
// token that later ages out keeps its consumed record.
func (s *Service) expire(ctx context.Context, t Token) {
	if t.Status != StatusPending {
		return
	}
	if _, err := s.store.MarkExpired(ctx, t.TokenID); err != nil {
		s.logger.Warn("lazy expiry failed", "token_id", t.TokenID, "error", err)
	}
}

func (s *Service) limiter(proposalID string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	if lim, ok := s.limiters[proposalID]; ok {
		return lim
	}
	if len(s.limiters) >= maxTrackedProposals {
		// Drop fully-refilled limiters; they carry no throttling state.
		for id, lim := range s.limiters {
			if lim.Tokens() >= float64(s.issueBurst) {
				delete(s.limiters, id)
			}
		}
	}
	lim := rate.NewLimiter(s.issueRate, s.issueBurst)
	s.limiters[proposalID] = lim
	return lim
}

func newNonce() (string, error) {
	buf := make([]byte, nonceLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validateScopes(scopes []ActionScope) error {
	for i := range scopes {
		sc := &scopes[i]
		if strings.TrimSpace(sc.RunnerID) == "" {
			return fmt.Errorf("approval: scope %d missing runner_id", i)
		}
		if strings.TrimSpace(sc.Action) == "" {
			return fmt.Errorf("approval: scope %d missing action", i)
		}
		if strings.ContainsAny(sc.RunnerID, "\n") || strings.ContainsAny(sc.Action, "\n") {
			return fmt.Errorf("approval: scope %d contains newline", i)
		}
		switch sc.Risk {
		case RiskLow, RiskMedium, RiskHigh:
		case "":
			sc.Risk = RiskMedium
		default:
			return fmt.Errorf("approval: scope %d has invalid risk %q", i, sc.Risk)
		}
		for k := range sc.Args {
			if !argKeyPattern.MatchString(nfc(k)) {
				return fmt.Errorf("approval: scope %d has invalid arg key %q", i, k)
			}
		}
	}
	return nil
}

// scopeCovered reports whether expected exactly matches one embedded scope.
// HumanSummary is advisory and ignored; args compare by canonical JSON.
func scopeCovered(scopes []ActionScope, expected ActionScope) bool {
	if expected.Risk == "" {
		expected.Risk = RiskMedium
	}
	for _, sc := range scopes {
		if sc.RunnerID != expected.RunnerID || sc.Action != expected.Action {
			continue
		}
		if sc.Risk != expected.Risk {
			continue
		}
		if len(sc.Args) != len(expected.Args) {
			continue
		}
		if len(sc.Args) == 0 || canon.Equal(sc.Args, expected.Args) {
			return true
		}
	}
	return false
}
