// Package identity mints and validates the tokens behind the actor strings
// that transition events, approvals, and receipts record. Tokens are HS256
// JWTs keyed off the same master secret as approval signing, under a
// separate derivation label so the two key families never overlap.
package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLen is the minimum master secret length. Shorter secrets are
	// rejected rather than silently weakened.
	MinSecretLen = 16

	keyInfo       = "haltline/identity/v1"
	signingKeyLen = 32

	tokenIssuer   = "haltline/identity"
	tokenAudience = "haltline.internal"

	defaultTTL = 15 * time.Minute
)

var (
	ErrSecretTooShort = errors.New("identity secret must be at least 16 characters")
	ErrActorRequired  = errors.New("actor is required")
)

// Claims carries the actor identity inside a signed token.
type Claims struct {
	jwt.RegisteredClaims
	Actor string   `json:"actor"`
	Roles []string `json:"roles,omitempty"`
}

// Manager mints and validates actor tokens with a single HKDF-derived key.
type Manager struct {
	key   []byte
	clock func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the time source. Tests use this to pin token
// lifetimes.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// NewManager derives the signing key from the master secret. A weak secret
// is a hard error.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		key:   key,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint signs a token for the actor. A non-positive ttl falls back to the
// default lifetime.
func (m *Manager) Mint(actor string, roles []string, ttl time.Duration) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", ErrActorRequired
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := m.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actor,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Actor: actor,
		Roles: append([]string(nil), roles...),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. Method, issuer, audience,
// and lifetime are all enforced; the signing algorithm is pinned to HS256
// so an alg-substitution token never reaches the key.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Actor == "" {
		claims.Actor = claims.Subject
	}
	if claims.Actor == "" {
		return nil, ErrActorRequired
	}
	return claims, nil
}

func deriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, signingKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive identity key: %w", err)
	}
	return key, nil
}
