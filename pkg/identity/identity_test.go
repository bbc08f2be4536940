package identity

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "identity-test-secret-01"

var identityBase = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *testClock) {
	t.Helper()
	clk := &testClock{now: identityBase}
	m, err := NewManager(testSecret, WithClock(clk.Now))
	require.NoError(t, err)
	return m, clk
}

// craftToken signs arbitrary claims with the manager's real key so tests can
// exercise adversarial token shapes.
func craftToken(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	key, err := deriveKey(testSecret)
	require.NoError(t, err)
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func registeredFor(subject string, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(identityBase),
		ExpiresAt: jwt.NewNumericDate(identityBase.Add(ttl)),
	}
}

func TestNewManager_RejectsWeakSecret(t *testing.T) {
	_, err := NewManager("short")
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestMintValidate_RoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	tok, err := m.Mint("alice", []string{"operator"}, 30*time.Minute)
	require.NoError(t, err)

	claims, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Actor)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"operator"}, claims.Roles)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.Time.Equal(identityBase.Add(30*time.Minute)))
}

func TestMint_RequiresActor(t *testing.T) {
	m, _ := newTestManager(t)
	for _, actor := range []string{"", "   "} {
		_, err := m.Mint(actor, nil, time.Hour)
		assert.ErrorIs(t, err, ErrActorRequired)
	}
}

func TestMint_DefaultTTL(t *testing.T) {
	m, _ := newTestManager(t)

	tok, err := m.Mint("bob", nil, 0)
	require.NoError(t, err)

	claims, err := m.Validate(tok)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.Time.Equal(identityBase.Add(defaultTTL)))
}

func TestValidate_WrongKeyFails(t *testing.T) {
	m, _ := newTestManager(t)
	other, err := NewManager("another-secret-entirely", WithClock(func() time.Time { return identityBase }))
	require.NoError(t, err)

	tok, err := other.Mint("alice", nil, time.Hour)
	require.NoError(t, err)

	_, err = m.Validate(tok)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	m, clk := newTestManager(t)

	tok, err := m.Mint("alice", nil, 10*time.Minute)
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	_, err = m.Validate(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidate_TamperedTokenFails(t *testing.T) {
	m, _ := newTestManager(t)

	tok, err := m.Mint("alice", nil, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = m.Validate(tampered)
	assert.Error(t, err)
}

func TestValidate_AlgSubstitutionRejected(t *testing.T) {
	m, _ := newTestManager(t)

	// Signed with the real key but the wrong method. The pinned method list
	// must reject it before the signature is even considered.
	tok := craftToken(t, jwt.SigningMethodHS384, Claims{
		RegisteredClaims: registeredFor("alice", time.Hour),
		Actor:            "alice",
	})
	_, err := m.Validate(tok)
	assert.Error(t, err)
}

func TestValidate_WrongIssuerRejected(t *testing.T) {
	m, _ := newTestManager(t)

	claims := Claims{RegisteredClaims: registeredFor("alice", time.Hour), Actor: "alice"}
	claims.Issuer = "someone-else"
	tok := craftToken(t, jwt.SigningMethodHS256, claims)

	_, err := m.Validate(tok)
	assert.Error(t, err)
}

func TestValidate_ActorFallsBackToSubject(t *testing.T) {
	m, _ := newTestManager(t)

	tok := craftToken(t, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: registeredFor("ops", time.Hour),
	})
	claims, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Actor)
}

func TestValidate_MissingActorAndSubjectRejected(t *testing.T) {
	m, _ := newTestManager(t)

	tok := craftToken(t, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: registeredFor("", time.Hour),
	})
	_, err := m.Validate(tok)
	assert.ErrorIs(t, err, ErrActorRequired)
}
