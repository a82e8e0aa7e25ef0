package models

import (
	"fmt"
	"time"
)

// TrustLevel is the persisted classification of a creator.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
	TrustBlocked   TrustLevel = "blocked"
	// TrustUnknown is never persisted; it is the absence of a live entry.
	TrustUnknown TrustLevel = "unknown"
)

// ParseTrustLevel parses a trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch l := TrustLevel(s); l {
	case TrustTrusted, TrustUntrusted, TrustBlocked, TrustUnknown:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown trust level %q", ErrValidation, s)
}

// SecurityLevel is the derived execution-privilege tier.
type SecurityLevel string

const (
	SecurityTrusted   SecurityLevel = "TRUSTED"
	SecurityUntrusted SecurityLevel = "UNTRUSTED"
	SecurityBlocked   SecurityLevel = "BLOCKED"
	SecurityUnknown   SecurityLevel = "UNKNOWN"
)

// GrantedBy records who made a trust decision.
type GrantedBy string

const (
	GrantedByUser   GrantedBy = "user"
	GrantedByPolicy GrantedBy = "policy"
	GrantedBySystem GrantedBy = "system"
	GrantedByImport GrantedBy = "import"
)

// TrustEntry is the durable record of a trust decision for one creator.
type TrustEntry struct {
	CreatorID  string     `json:"creator_id" yaml:"creator_id"`
	TrustLevel TrustLevel `json:"trust_level" yaml:"trust_level"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	GrantedAt  time.Time  `json:"granted_at" yaml:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	GrantedBy  GrantedBy  `json:"granted_by" yaml:"granted_by"`
}

// IsExpired returns true if the entry has passed its expiry time.
func (e *TrustEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// IsTemporary reports whether the entry carries an expiry.
func (e *TrustEntry) IsTemporary() bool {
	return e.ExpiresAt != nil
}

// Validate checks the entry against the trust entry invariants.
func (e *TrustEntry) Validate() error {
	verr := &ValidationError{}
	if norm, err := NormalizeCreatorID(e.CreatorID); err != nil {
		verr.add(err.Error())
	} else if norm != e.CreatorID {
		verr.add(fmt.Sprintf("creator id %q is not normalized (want %q)", e.CreatorID, norm))
	}
	switch e.TrustLevel {
	case TrustTrusted, TrustUntrusted:
	case TrustBlocked:
		if e.Reason == "" {
			verr.add(fmt.Sprintf("%s: blocked entries require a reason", e.CreatorID))
		}
		if e.ExpiresAt != nil {
			verr.add(fmt.Sprintf("%s: blocked entries cannot expire", e.CreatorID))
		}
	case TrustUnknown:
		verr.add(fmt.Sprintf("%s: unknown is never persisted", e.CreatorID))
	default:
		verr.add(fmt.Sprintf("%s: invalid trust level %q", e.CreatorID, e.TrustLevel))
	}
	if e.GrantedAt.IsZero() {
		verr.add(fmt.Sprintf("%s: granted_at is required", e.CreatorID))
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(e.GrantedAt) {
		verr.add(fmt.Sprintf("%s: expires_at must be after granted_at", e.CreatorID))
	}
	switch e.GrantedBy {
	case GrantedByUser, GrantedByPolicy, GrantedBySystem, GrantedByImport:
	default:
		verr.add(fmt.Sprintf("%s: invalid granted_by %q", e.CreatorID, e.GrantedBy))
	}
	return verr.errOrNil()
}

// TrustStatus is the answer to "what is the trust of creator X right now".
type TrustStatus struct {
	CreatorID     string        `json:"creator_id" yaml:"creator_id"`
	TrustLevel    TrustLevel    `json:"trust_level" yaml:"trust_level"`
	SecurityLevel SecurityLevel `json:"security_level" yaml:"security_level"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Session       bool          `json:"session,omitempty" yaml:"session,omitempty"`
}

// SecurityLevel derives the execution tier for a trust level. Anything that
// is not an explicit trusted, untrusted or blocked decision is UNKNOWN.
func (l TrustLevel) SecurityLevel() SecurityLevel {
	switch l {
	case TrustTrusted:
		return SecurityTrusted
	case TrustUntrusted:
		return SecurityUntrusted
	case TrustBlocked:
		return SecurityBlocked
	default:
		return SecurityUnknown
	}
}
