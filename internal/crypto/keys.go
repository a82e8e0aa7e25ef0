package crypto

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
)

// ErrKeyUnavailable is returned when a provider cannot produce key material.
var ErrKeyUnavailable = errors.New("encryption key unavailable")

const storeKeyInfo = "templatetrust-store-v1"

// KeyProvider derives the store encryption key for a given per-file salt.
// Implementations must be deterministic for the same salt.
type KeyProvider interface {
	Name() string
	Key(salt []byte) ([]byte, error)
}

// MachineKeyProvider derives the key from machine-specific material:
// the OS machine id plus the current user. Files encrypted with it cannot be
// opened on another host or by another user.
type MachineKeyProvider struct {
	// MachineIDPaths are tried in order; the first readable one wins.
	MachineIDPaths []string
}

// NewMachineKeyProvider uses the standard machine-id locations.
func NewMachineKeyProvider() *MachineKeyProvider {
	return &MachineKeyProvider{MachineIDPaths: []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	}}
}

func (p *MachineKeyProvider) Name() string { return "machine" }

func (p *MachineKeyProvider) Key(salt []byte) ([]byte, error) {
	var machineID string
	for _, path := range p.MachineIDPaths {
		data, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			machineID = strings.TrimSpace(string(data))
			break
		}
	}
	if machineID == "" {
		return nil, fmt.Errorf("%w: no machine id found", ErrKeyUnavailable)
	}
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("%w: resolving current user: %v", ErrKeyUnavailable, err)
	}
	ikm := []byte(machineID + "\x00" + u.Uid + "\x00" + u.Username)
	defer Zero(ikm)
	return DeriveKey(ikm, salt, storeKeyInfo)
}

// PassphraseKeyProvider derives the key with Argon2id. The passphrase
// callback is invoked lazily so the package stays free of terminal I/O.
type PassphraseKeyProvider struct {
	passphrase func() (string, error)
}

// NewPassphraseKeyProvider creates a provider backed by the passphrase callback.
func NewPassphraseKeyProvider(passphrase func() (string, error)) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase}
}

func (p *PassphraseKeyProvider) Name() string { return "passphrase" }

func (p *PassphraseKeyProvider) Key(salt []byte) ([]byte, error) {
	pass, err := p.passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: obtaining passphrase: %v", ErrKeyUnavailable, err)
	}
	if pass == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrKeyUnavailable)
	}
	return DerivePassphraseKey(pass, salt), nil
}

// StaticKeyProvider derives keys from fixed material. Used by tests and by
// deployments that inject a key from their own secret manager.
type StaticKeyProvider struct {
	material []byte
}

// NewStaticKeyProvider copies material into a new provider.
func NewStaticKeyProvider(material []byte) *StaticKeyProvider {
	m := make([]byte, len(material))
	copy(m, material)
	return &StaticKeyProvider{material: m}
}

func (p *StaticKeyProvider) Name() string { return "static" }

func (p *StaticKeyProvider) Key(salt []byte) ([]byte, error) {
	if len(p.material) == 0 {
		return nil, ErrKeyUnavailable
	}
	return DeriveKey(p.material, salt, storeKeyInfo)
}

// KeyCache memoizes derived keys per salt so Argon2 runs once per process.
// Keys are held in memory only until Wipe.
type KeyCache struct {
	mu    sync.Mutex
	inner KeyProvider
	keys  map[string][]byte
}

// NewKeyCache wraps a provider.
func NewKeyCache(inner KeyProvider) *KeyCache {
	return &KeyCache{inner: inner, keys: map[string][]byte{}}
}

func (c *KeyCache) Name() string { return c.inner.Name() }

// Key returns a copy of the cached key, deriving it on first use.
func (c *KeyCache) Key(salt []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[string(salt)]
	if !ok {
		derived, err := c.inner.Key(salt)
		if err != nil {
			return nil, err
		}
		k = derived
		c.keys[string(salt)] = k
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, nil
}

// Wipe zeroes and drops every cached key.
func (c *KeyCache) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s, k := range c.keys {
		Zero(k)
		delete(c.keys, s)
	}
}
