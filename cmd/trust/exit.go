package main

import (
	"errors"

	"github.com/org/templatetrust/internal/crypto"
	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

// Process exit codes. Automation relies on these staying stable.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitValidation = 2
	exitBlocked    = 3
	exitStore      = 4
	exitDeclined   = 5
	exitLocked     = 6
	exitSandbox    = 7
)

var (
	// errSandboxFailed marks a plan run in which a sandboxed operation failed.
	errSandboxFailed = errors.New("sandboxed operation failed")

	// errPolicyDenied marks a plan with operations the enforcer denied.
	errPolicyDenied = errors.New("denied by security policy")
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, models.ErrInvalidCreatorID), errors.Is(err, models.ErrValidation):
		return exitValidation
	case errors.Is(err, trust.ErrCreatorBlocked), errors.Is(err, errPolicyDenied):
		return exitBlocked
	case errors.Is(err, storage.ErrStoreLockTimeout):
		return exitLocked
	case storage.IsStorageError(err), errors.Is(err, crypto.ErrKeyUnavailable):
		return exitStore
	case errors.Is(err, decision.ErrDeclined), errors.Is(err, decision.ErrCancelled):
		return exitDeclined
	case errors.Is(err, errSandboxFailed):
		return exitSandbox
	default:
		return exitGeneric
	}
}
