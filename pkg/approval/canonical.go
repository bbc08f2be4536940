package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"

	"github.com/haltline-labs/haltline/pkg/canon"
)

// keyInfo is the HKDF domain-separation string. Changing it invalidates
// every outstanding token signature.
const keyInfo = "haltline/approval-token/v1"

const signingKeyLen = 32

// Arg keys become payload line labels, so they are restricted to characters
// that cannot forge line or key-value boundaries.
var argKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// deriveKey stretches the configured secret into a fixed-length HMAC key.
func deriveKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, signingKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// canonicalPayload renders the byte-for-byte signing payload: one line per
// field, scopes in embedded order, arg keys sorted. The payload excludes
// Signature and Status, and excludes HumanSummary, which is advisory.
//
// String fields are NFC-normalized so visually identical approvals sign
// identically. Arg values are rendered as canonical JSON, which both pins
// the byte form of numbers and quotes strings, so no value can inject a
// payload line.
func canonicalPayload(t Token) ([]byte, error) {
	lines := make([]string, 0, 5+len(t.Scopes)*4)
	lines = append(lines,
		"token_id="+nfc(t.TokenID),
		"nonce="+nfc(t.Nonce),
		"issued_at="+t.IssuedAt.UTC().Format(time.RFC3339),
		"expires_at="+t.ExpiresAt.UTC().Format(time.RFC3339),
		"proposal_id="+nfc(t.ProposalID),
	)

	for i, scope := range t.Scopes {
		lines = append(lines,
			fmt.Sprintf("scope[%d].runner_id=%s", i, nfc(scope.RunnerID)),
			fmt.Sprintf("scope[%d].action=%s", i, nfc(scope.Action)),
		)
		keys := make([]string, 0, len(scope.Args))
		for k := range scope.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nk := nfc(k)
			if !argKeyPattern.MatchString(nk) {
				return nil, fmt.Errorf("invalid arg key %q in scope %d", k, i)
			}
			v, err := renderArgValue(scope.Args[k])
			if err != nil {
				return nil, fmt.Errorf("render arg %q in scope %d: %w", k, i, err)
			}
			lines = append(lines, fmt.Sprintf("scope[%d].args.%s=%s", i, nk, v))
		}
		lines = append(lines, fmt.Sprintf("scope[%d].risk=%s", i, nfc(scope.Risk)))
	}

	return []byte(strings.Join(lines, "\n")), nil
}

func nfc(s string) string {
	return norm.NFC.String(s)
}

func renderArgValue(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		v = nfc(s)
	}
	return canon.JCSString(v)
}

// sign computes the base64url (unpadded) HMAC-SHA256 of the token's
// canonical payload.
func sign(key []byte, t Token) (string, error) {
	payload, err := canonicalPayload(t)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// signatureEqual compares signatures in constant time.
func signatureEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
