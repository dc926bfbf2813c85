// Package snapshot persists world checkpoints.
//
// A checkpoint is the kernel's state object plus a manifest binding
// {run_id, event_number, state_hash, format_version}. When a signing
// key is configured the manifest travels as an HS256 JWS and restore
// refuses unverifiable blobs; the state hash is recomputed on every
// read regardless. Blobs can additionally be sealed at rest with
// XChaCha20-Poly1305.
package snapshot

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/agora-labs/agora/pkg/canonicalize"
)

// FormatVersion is stamped into every manifest written by this build.
const FormatVersion = "1.0.0"

// formatConstraint is the compatibility window accepted on restore.
const formatConstraint = ">=1.0.0 <2.0.0"

var (
	ErrNotFound         = errors.New("snapshot: checkpoint not found")
	ErrBadSignature     = errors.New("snapshot: manifest signature invalid")
	ErrStateHash        = errors.New("snapshot: state hash mismatch")
	ErrFormatVersion    = errors.New("snapshot: incompatible format version")
	ErrEncryptedBlob    = errors.New("snapshot: blob is encrypted and no key is configured")
	ErrBadEncryptionKey = errors.New("snapshot: encryption key must be 32 bytes")
)

// Manifest binds a checkpoint to its run and position.
type Manifest struct {
	RunID         string `json:"run_id"`
	EventNumber   uint64 `json:"event_number"`
	StateHash     string `json:"state_hash"`
	FormatVersion string `json:"format_version"`
	jwt.RegisteredClaims
}

// Checkpoint is one persisted world state.
type Checkpoint struct {
	Name     string          `json:"name"`
	Manifest Manifest        `json:"manifest"`
	State    json.RawMessage `json:"state"`
}

// Store persists checkpoints under monotonic names.
type Store interface {
	Put(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, name string) (*Checkpoint, error)
	List(ctx context.Context) ([]string, error)
	Latest(ctx context.Context) (*Checkpoint, error)
}

// Name derives the storage name for a checkpoint. Zero-padding keeps
// lexical order equal to event order within a run.
func Name(runID string, eventNumber uint64) string {
	return fmt.Sprintf("%s-%012d", runID, eventNumber)
}

// New builds a checkpoint from kernel state, computing the canonical
// state hash and stamping the current format version.
func New(runID string, eventNumber uint64, state interface{}) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal state: %w", err)
	}
	hash, err := canonicalize.CanonicalHash(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash state: %w", err)
	}
	return &Checkpoint{
		Name: Name(runID, eventNumber),
		Manifest: Manifest{
			RunID:         runID,
			EventNumber:   eventNumber,
			StateHash:     hash,
			FormatVersion: FormatVersion,
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
			},
		},
		State: raw,
	}, nil
}

// Codec signs, verifies, seals and opens checkpoint blobs. The zero
// Codec is valid: no signing, no encryption.
type Codec struct {
	signingKey []byte
	sealKey    []byte
}

// NewCodec builds a codec. Either key may be empty; a non-empty seal
// key must be 32 bytes.
func NewCodec(signingKey, sealKey []byte) (*Codec, error) {
	if len(sealKey) != 0 && len(sealKey) != chacha20poly1305.KeySize {
		return nil, ErrBadEncryptionKey
	}
	return &Codec{signingKey: signingKey, sealKey: sealKey}, nil
}

// envelope is the on-disk shape of a checkpoint blob.
type envelope struct {
	Manifest    *Manifest       `json:"manifest,omitempty"`
	ManifestJWS string          `json:"manifest_jws,omitempty"`
	State       json.RawMessage `json:"state"`
}

// sealed wraps an encrypted envelope.
type sealed struct {
	Sealed bool   `json:"sealed"`
	Nonce  []byte `json:"nonce"`
	Data   []byte `json:"data"`
}

// Encode renders the checkpoint as the bytes to store.
func (c *Codec) Encode(cp *Checkpoint) ([]byte, error) {
	env := envelope{State: cp.State}
	if len(c.signingKey) > 0 {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cp.Manifest).SignedString(c.signingKey)
		if err != nil {
			return nil, fmt.Errorf("snapshot: sign manifest: %w", err)
		}
		env.ManifestJWS = token
	} else {
		m := cp.Manifest
		env.Manifest = &m
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	if len(c.sealKey) == 0 {
		return raw, nil
	}

	aead, err := chacha20poly1305.NewX(c.sealKey)
	if err != nil {
		return nil, fmt.Errorf("snapshot: seal: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("snapshot: nonce: %w", err)
	}
	return json.Marshal(sealed{
		Sealed: true,
		Nonce:  nonce,
		Data:   aead.Seal(nil, nonce, raw, nil),
	})
}

// Decode parses stored bytes back into a verified checkpoint.
func (c *Codec) Decode(name string, raw []byte) (*Checkpoint, error) {
	var wrapper sealed
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Sealed {
		if len(c.sealKey) == 0 {
			return nil, ErrEncryptedBlob
		}
		aead, err := chacha20poly1305.NewX(c.sealKey)
		if err != nil {
			return nil, fmt.Errorf("snapshot: open: %w", err)
		}
		raw, err = aead.Open(nil, wrapper.Nonce, wrapper.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("snapshot: open sealed blob: %w", err)
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("snapshot: parse envelope: %w", err)
	}

	var manifest Manifest
	switch {
	case env.ManifestJWS != "":
		if len(c.signingKey) == 0 {
			// Unverifiable without the key; extract claims but refuse.
			return nil, ErrBadSignature
		}
		token, err := jwt.ParseWithClaims(env.ManifestJWS, &manifest, func(*jwt.Token) (interface{}, error) {
			return c.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return nil, ErrBadSignature
		}
	case env.Manifest != nil:
		manifest = *env.Manifest
	default:
		return nil, fmt.Errorf("snapshot: envelope carries no manifest")
	}

	if err := checkFormat(manifest.FormatVersion); err != nil {
		return nil, err
	}
	hash, err := canonicalize.CanonicalHash(env.State)
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash state: %w", err)
	}
	if hash != manifest.StateHash {
		return nil, ErrStateHash
	}

	return &Checkpoint{Name: name, Manifest: manifest, State: env.State}, nil
}

func checkFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrFormatVersion, version)
	}
	constraint, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return fmt.Errorf("snapshot: bad constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s outside %s", ErrFormatVersion, version, formatConstraint)
	}
	return nil
}
