package models

import (
	"fmt"
	"sort"
	"time"
)

// Permission is one discrete capability an operation may require.
type Permission string

const (
	PermFileRead       Permission = "FILE_READ"
	PermFileWrite      Permission = "FILE_WRITE"
	PermFileDelete     Permission = "FILE_DELETE"
	PermShellExecute   Permission = "SHELL_EXECUTE"
	PermNetworkAccess  Permission = "NETWORK_ACCESS"
	PermEnvAccess      Permission = "ENV_ACCESS"
	PermTemplateInject Permission = "TEMPLATE_INJECT"
	PermCodeExecute    Permission = "CODE_EXECUTE"
)

// AllPermissions is the fixed enumerated permission set.
var AllPermissions = []Permission{
	PermFileRead, PermFileWrite, PermFileDelete, PermShellExecute,
	PermNetworkAccess, PermEnvAccess, PermTemplateInject, PermCodeExecute,
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]bool

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = true
	}
	return s
}

// Has returns true if the set grants p.
func (s PermissionSet) Has(p Permission) bool {
	return s[p]
}

// Sorted returns the permissions in a stable order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p, ok := range s {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Action is the kind of event recorded in the audit log.
type Action string

const (
	ActionGrant     Action = "grant"
	ActionUntrust   Action = "untrust"
	ActionRevoke    Action = "revoke"
	ActionBlock     Action = "block"
	ActionUnblock   Action = "unblock"
	ActionCheck     Action = "check"
	ActionViolation Action = "violation"
	ActionExpire    Action = "expire"
	ActionImport    Action = "import"
	ActionReset     Action = "reset"
)

// ParseAction parses an audit action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionGrant, ActionUntrust, ActionRevoke, ActionBlock, ActionUnblock,
		ActionCheck, ActionViolation, ActionExpire, ActionImport, ActionReset:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown audit action %q", ErrValidation, s)
}

// Resolution is how a recorded decision ended.
type Resolution string

const (
	ResolutionApproved      Resolution = "approved"
	ResolutionDenied        Resolution = "denied"
	ResolutionBlocked       Resolution = "blocked"
	ResolutionTimeout       Resolution = "timeout"
	ResolutionPolicyDefault Resolution = "policy-default"
	ResolutionSandboxed     Resolution = "sandboxed"
)

// AuditEntry is one immutable audit record. Secret values must never be
// placed in Context, only operation descriptions.
type AuditEntry struct {
	ID         string     `json:"id" yaml:"id"`
	Seq        uint64     `json:"seq" yaml:"seq"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	CreatorID  string     `json:"creator_id" yaml:"creator_id"`
	Action     Action     `json:"action" yaml:"action"`
	Resolution Resolution `json:"resolution" yaml:"resolution"`
	GrantedBy  GrantedBy  `json:"granted_by,omitempty" yaml:"granted_by,omitempty"`
	Context    string     `json:"context,omitempty" yaml:"context,omitempty"`
}

// Validate checks the fields an audit entry must carry once recorded.
func (a *AuditEntry) Validate() error {
	verr := &ValidationError{}
	if a.ID == "" {
		verr.add("audit entry without id")
	}
	if a.Timestamp.IsZero() {
		verr.add(fmt.Sprintf("audit entry %s without timestamp", a.ID))
	}
	if _, err := ParseAction(string(a.Action)); err != nil {
		verr.add(err.Error())
	}
	if a.Resolution == "" {
		verr.add(fmt.Sprintf("audit entry %s without resolution", a.ID))
	}
	return verr.errOrNil()
}
