package models

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidCreatorID is returned for malformed creator identifiers.
	ErrInvalidCreatorID = errors.New("invalid creator id")

	// ErrValidation is returned when a trust entry or snapshot violates its invariants.
	ErrValidation = errors.New("validation failed")
)

// ValidationError lists every problem found while validating input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(format string) {
	e.Problems = append(e.Problems, format)
}

func (e *ValidationError) errOrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
