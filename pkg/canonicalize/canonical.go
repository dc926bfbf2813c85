// Package canonicalize provides deterministic JSON serialization for hashing
// kernel state. All hashes recorded by the kernel (event payload hashes,
// checkpoint state hashes) are SHA-256 digests over the RFC 8785 (JCS)
// canonical form of a value, with every string NFC-normalized first so that
// logically identical state hashes identically across runs and platforms.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// The value is first marshaled with encoding/json (so struct tags apply),
// then every string, including object keys, is NFC-normalized, and finally
// the result is transformed to JCS canonical form: lexicographically sorted
// keys, ES6 number formatting, no HTML escaping.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	normalized, err := json.Marshal(normalizeStrings(generic))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeStrings walks a decoded JSON value and NFC-normalizes every
// string, including map keys. Unicode has multiple byte encodings for the
// same grapheme (composed vs decomposed); without normalization the same
// logical text would hash differently depending on the producer.
func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeStrings(val)
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return v
	}
}
