// Package auth verifies API tokens for the local query service.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const tokenPrefix = "ttk_"

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("missing API token")
	// ErrInvalidToken is returned when the presented token does not match.
	ErrInvalidToken = errors.New("invalid API token")
)

// GenerateToken returns a new random plaintext token.
func GenerateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokenVerifier checks presented tokens against a configured token. Only the
// SHA-256 hash of the token is kept in memory.
type TokenVerifier struct {
	hash [sha256.Size]byte
}

// NewTokenVerifier creates a verifier for plaintext.
func NewTokenVerifier(plaintext string) (*TokenVerifier, error) {
	if strings.TrimSpace(plaintext) == "" {
		return nil, ErrMissingToken
	}
	return &TokenVerifier{hash: sha256.Sum256([]byte(plaintext))}, nil
}

// Verify compares plaintext with the configured token in constant time.
func (v *TokenVerifier) Verify(plaintext string) error {
	if plaintext == "" {
		return ErrMissingToken
	}
	h := sha256.Sum256([]byte(plaintext))
	if subtle.ConstantTimeCompare(h[:], v.hash[:]) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// FromHeader extracts a token from an Authorization header value
// ("Bearer <token>").
func FromHeader(value string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// HashToken returns the SHA-256 hex hash of a plaintext token, for logging
// which token was used without logging the token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
