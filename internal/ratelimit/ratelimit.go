// Package ratelimit caps how many jobs one principal may have executing
// at once across the whole worker fleet. The per-lane pool sizes bound a
// single process; this bound is cluster-wide, so one principal cannot
// monopolize every executor with a burst of submissions.
package ratelimit

import (
	"context"
	"fmt"
)

// DefaultMaxActive is the per-principal cap applied when the
// configuration does not set one.
const DefaultMaxActive = 8

// Limiter reserves and frees per-principal execution slots. A nil
// Limiter in callers means the cap is disabled.
type Limiter interface {
	// Acquire reserves a slot for the given job. Reports false when the
	// principal is already at its cap.
	Acquire(ctx context.Context, principal, jobID string) (bool, error)

	// Release frees the slot held by the given job. Releasing a slot
	// that was never acquired is a no-op.
	Release(ctx context.Context, principal, jobID string) error
}

func activeSetKey(principal string) string {
	return fmt.Sprintf("backrun:principal:%s:active", principal)
}
