// Package canon provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing and signing of control-plane records.
//
// Every fingerprint, audit-chain hash, and signing payload in haltline is
// computed over canonical bytes so that logically equal values always produce
// identical digests, regardless of map iteration order or encoder quirks.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key properties:
// 1. Map keys are sorted lexicographically by UTF-16 code units.
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Numbers are serialized using ES6 shortest-round-trip formatting.
func JCS(v interface{}) ([]byte, error) {
	// Marshal first so struct tags are respected, then let the JCS transform
	// re-serialize the intermediate JSON text into canonical form.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Equal reports whether a and b have identical canonical encodings.
// Values that cannot be canonicalized are never considered equal; callers in
// drift detection rely on that to treat unencodable observations as changed.
func Equal(a, b interface{}) bool {
	ca, err := JCS(a)
	if err != nil {
		return false
	}
	cb, err := JCS(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
