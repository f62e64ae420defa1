package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("backrun: job not found")
	ErrJobAlreadyExists = errors.New("backrun: job already exists")
	ErrTerminalState    = errors.New("backrun: job is in a terminal state")

	// ErrMissingRepro means a completion was attempted without
	// reproducibility pointers. This is an internal defect, never a
	// valid completed state.
	ErrMissingRepro = errors.New("backrun: reproducibility pointers missing")

	// ErrMemoryCeiling means the worker aborted a run because resident
	// memory exceeded the configured ceiling. Not retried automatically:
	// the same inputs would hit the same ceiling again.
	ErrMemoryCeiling = errors.New("backrun: memory ceiling exceeded")

	// ErrHealExhausted means a job's missing queue entry was re-created
	// too many times inside the heal window.
	ErrHealExhausted = errors.New("backrun: heal budget exhausted")
)

// ValidationError rejects a bad submission synchronously at enqueue time.
// Validation failures are never queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("backrun: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
