package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAndVerify(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if !strings.HasPrefix(tok, tokenPrefix) {
		t.Errorf("token %q lacks prefix", tok)
	}
	other, _ := GenerateToken()
	if tok == other {
		t.Error("tokens are not random")
	}

	v, err := NewTokenVerifier(tok)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	if err := v.Verify(tok); err != nil {
		t.Errorf("Verify(valid) = %v", err)
	}
	if err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(other) = %v", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("Verify(empty) = %v", err)
	}
}

func TestNewTokenVerifierRejectsEmpty(t *testing.T) {
	if _, err := NewTokenVerifier("  "); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v", err)
	}
}

func TestFromHeader(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for in, want := range cases {
		if got := FromHeader(in); got != want {
			t.Errorf("FromHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("x") != HashToken("x") || HashToken("x") == HashToken("y") {
		t.Error("HashToken not deterministic")
	}
	if len(HashToken("x")) != 64 {
		t.Errorf("hash length = %d", len(HashToken("x")))
	}
}
