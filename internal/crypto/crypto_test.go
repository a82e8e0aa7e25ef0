package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(a))
	}
	b, _ := RandomBytes(32)
	if bytes.Equal(a, b) {
		t.Error("two random buffers should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1, err := DeriveKey([]byte("material"), salt, "ctx-v1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(k1))
	}
	// Same inputs → same key (deterministic)
	k2, _ := DeriveKey([]byte("material"), salt, "ctx-v1")
	if !bytes.Equal(k1, k2) {
		t.Error("key derivation should be deterministic")
	}
	// Different context → different key
	k3, _ := DeriveKey([]byte("material"), salt, "ctx-v2")
	if bytes.Equal(k1, k3) {
		t.Error("different contexts should yield different keys")
	}
	if _, err := DeriveKey(nil, salt, "x"); err == nil {
		t.Error("empty material should fail")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	plaintext := []byte(`{"entries":{}}`)

	ciphertext, nonce, err := EncryptAESGCM(plaintext, key, []byte("aad"))
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}
	decrypted, err := DecryptAESGCM(ciphertext, nonce, key, []byte("aad"))
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
	if _, err := DecryptAESGCM(ciphertext, nonce, key, []byte("other")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("mismatched aad should fail with ErrDecrypt, got %v", err)
	}
}

func TestSealOpenWrongKey(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	wrong, _ := RandomBytes(KeySize)

	sealed, err := Seal([]byte("trust data"), key, nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := Open(sealed, wrong, nil); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt with wrong key, got %v", err)
	}
	if _, err := Open(sealed[:5], key, nil); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for truncated data, got %v", err)
	}
	out, err := Open(sealed, key, nil)
	if err != nil || string(out) != "trust data" {
		t.Errorf("Open round trip: %q %v", out, err)
	}
}

func TestPassphraseKeyProvider(t *testing.T) {
	salt := []byte("fixed-salt-value")
	p := NewPassphraseKeyProvider(func() (string, error) { return "correct horse", nil })
	k1, err := p.Key(salt)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	k2, _ := p.Key(salt)
	if !bytes.Equal(k1, k2) {
		t.Error("passphrase derivation should be deterministic")
	}

	empty := NewPassphraseKeyProvider(func() (string, error) { return "", nil })
	if _, err := empty.Key(salt); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("empty passphrase should be ErrKeyUnavailable, got %v", err)
	}
}

func TestMachineKeyProviderMissingID(t *testing.T) {
	p := &MachineKeyProvider{MachineIDPaths: []string{filepath.Join(t.TempDir(), "absent")}}
	if _, err := p.Key([]byte("salt")); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestMachineKeyProviderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")
	if err := os.WriteFile(path, []byte("abc123\n"), 0600); err != nil {
		t.Fatal(err)
	}
	p := &MachineKeyProvider{MachineIDPaths: []string{path}}
	k1, err := p.Key([]byte("salt"))
	if err != nil {
		t.Skipf("current user unavailable: %v", err)
	}
	k2, _ := p.Key([]byte("salt"))
	if !bytes.Equal(k1, k2) {
		t.Error("machine key should be stable")
	}
}

type countingProvider struct {
	calls int
}

func (c *countingProvider) Name() string { return "counting" }
func (c *countingProvider) Key(salt []byte) ([]byte, error) {
	c.calls++
	return DeriveKey([]byte("m"), salt, "t")
}

func TestKeyCacheWipe(t *testing.T) {
	inner := &countingProvider{}
	cache := NewKeyCache(inner)
	salt := []byte("s")

	a, _ := cache.Key(salt)
	b, _ := cache.Key(salt)
	if inner.calls != 1 {
		t.Errorf("expected one derivation, got %d", inner.calls)
	}
	if !bytes.Equal(a, b) {
		t.Error("cached key mismatch")
	}
	a[0] ^= 0xff // callers get copies
	c, _ := cache.Key(salt)
	if !bytes.Equal(b, c) {
		t.Error("mutating a returned key must not affect the cache")
	}

	cache.Wipe()
	if _, err := cache.Key(salt); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expected re-derivation after Wipe, got %d calls", inner.calls)
	}
}
