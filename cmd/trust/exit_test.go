package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitGeneric},
		{fmt.Errorf("grant: %w", models.ErrInvalidCreatorID), exitValidation},
		{&models.ValidationError{Problems: []string{"x"}}, exitValidation},
		{fmt.Errorf("npm:x: %w", trust.ErrCreatorBlocked), exitBlocked},
		{fmt.Errorf("load: %w", storage.ErrCorruptedStore), exitStore},
		{storage.ErrStoreTooLarge, exitStore},
		{storage.ErrKeyUnavailable, exitStore},
		{fmt.Errorf("open: %w", storage.ErrUnavailable), exitStore},
		{decision.ErrDeclined, exitDeclined},
		{storage.ErrStoreLockTimeout, exitLocked},
		{fmt.Errorf("run: %w", errSandboxFailed), exitSandbox},
		{fmt.Errorf("2 operation(s): %w", errPolicyDenied), exitBlocked},
		// Blocked outranks declined when both are joined.
		{errors.Join(decision.ErrDeclined, trust.ErrCreatorBlocked), exitBlocked},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
