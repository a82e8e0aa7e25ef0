package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/org/templatetrust/internal/crypto"
	"github.com/org/templatetrust/pkg/models"
)

const (
	envelopeFormat  = "templatetrust-store"
	envelopeVersion = 1
	aadPrefix       = "templatetrust-store-v1:"
)

// envelope is the on-disk wrapper around a snapshot.
//
// Plaintext stores keep the snapshot readable in Payload; encrypted stores
// carry nonce||ciphertext in Ciphertext. Checksum covers the compact payload
// bytes or the ciphertext.
type envelope struct {
	Format      string          `json:"format"`
	Version     int             `json:"version"`
	Encrypted   bool            `json:"encrypted"`
	KeyProvider string          `json:"key_provider,omitempty"`
	Salt        []byte          `json:"salt,omitempty"`
	Checksum    string          `json:"checksum"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Ciphertext  []byte          `json:"ciphertext,omitempty"`
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// codec turns snapshots into envelope bytes and back.
type codec struct {
	keys crypto.KeyProvider // nil when encryption is disabled
}

func (c codec) encode(snap *models.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	env := envelope{Format: envelopeFormat, Version: envelopeVersion}

	if c.keys == nil {
		env.Payload = payload
		env.Checksum = checksum(payload)
		return json.MarshalIndent(env, "", "  ")
	}

	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := c.keys.Key(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer crypto.Zero(key)
	sealed, err := crypto.Seal(payload, key, append([]byte(aadPrefix), salt...))
	if err != nil {
		return nil, err
	}
	env.Encrypted = true
	env.KeyProvider = c.keys.Name()
	env.Salt = salt
	env.Ciphertext = sealed
	env.Checksum = checksum(sealed)
	return json.MarshalIndent(env, "", "  ")
}

// decode verifies and unwraps envelope bytes. Any failure other than a missing
// key is reported as ErrCorruptedStore.
func (c codec) decode(data []byte) (*models.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: parsing envelope: %v", ErrCorruptedStore, err)
	}
	if env.Format != envelopeFormat || env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unexpected format %q version %d", ErrCorruptedStore, env.Format, env.Version)
	}

	var payload []byte
	switch {
	case env.Encrypted:
		if c.keys == nil {
			return nil, fmt.Errorf("%w: store is encrypted but encryption is disabled", ErrKeyUnavailable)
		}
		if checksum(env.Ciphertext) != env.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedStore)
		}
		key, err := c.keys.Key(env.Salt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		defer crypto.Zero(key)
		plain, err := crypto.Open(env.Ciphertext, key, append([]byte(aadPrefix), env.Salt...))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
		}
		payload = plain
	default:
		if c.keys != nil {
			// Refuse to silently accept a plaintext store when encryption is required.
			return nil, fmt.Errorf("%w: plaintext store found while encryption is enabled", ErrCorruptedStore)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, env.Payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrCorruptedStore, err)
		}
		if checksum(compact.Bytes()) != env.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedStore)
		}
		payload = compact.Bytes()
	}

	snap := models.NewSnapshot()
	if err := json.Unmarshal(payload, snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorruptedStore, err)
	}
	if snap.Entries == nil {
		snap.Entries = map[string]models.TrustEntry{}
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	return snap, nil
}

func isKeyError(err error) bool {
	return errors.Is(err, ErrKeyUnavailable)
}
