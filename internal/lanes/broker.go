// Package lanes provides the durable priority-lane queue and the
// ephemeral per-job overlay (progress cache, heartbeat, cancel flag,
// enqueue lock). The metadata store remains the source of truth for job
// status; everything here is either a queue entry or a freshness signal.
package lanes

import (
	"context"
	"time"

	"github.com/yourorg/backrun/internal/domain"
)

// Progress is the ephemeral freshness overlay for a running job. If the
// entry expires, callers fall back to the coarse percentage last synced
// into the metadata record.
type Progress struct {
	Percent     int       `json:"percent"`
	Stage       string    `json:"stage"`
	CurrentItem string    `json:"current_item,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Broker is the queue-and-overlay contract. The Redis implementation is
// the production one; the memory implementation backs unit tests.
type Broker interface {
	// Push adds a queue entry for jobID on the given lane, eligible for
	// dequeue at readyAt. Pushing an ID that is already queued on the
	// lane just reschedules it.
	Push(ctx context.Context, lane domain.Lane, jobID string, readyAt time.Time) error

	// Pop removes and returns one ready entry from the lane, earliest
	// ready-time first. ok is false when nothing is ready (normal idle).
	Pop(ctx context.Context, lane domain.Lane) (jobID string, ok bool, err error)

	// Remove deletes a specific queue entry. Reports whether it existed.
	Remove(ctx context.Context, lane domain.Lane, jobID string) (bool, error)

	// Contains reports whether jobID currently has an entry on the lane.
	Contains(ctx context.Context, lane domain.Lane, jobID string) (bool, error)

	// TryLock acquires the short-lived exclusive enqueue lock for jobID.
	// Returns false when another submitter holds it.
	TryLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error)

	// Unlock releases the enqueue lock. Releasing an expired or missing
	// lock is a no-op.
	Unlock(ctx context.Context, jobID string) error

	// RequestCancel sets the cooperative cancel flag for jobID. The
	// running worker is contractually required to observe it within 30s.
	RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error

	// CancelRequested reports whether the cancel flag is set.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// Heartbeat refreshes the liveness key for jobID.
	Heartbeat(ctx context.Context, jobID, workerID string, ttl time.Duration) error

	// HeartbeatAlive reports whether the liveness key still exists.
	HeartbeatAlive(ctx context.Context, jobID string) (bool, error)

	// SetProgress writes the freshness overlay entry for jobID.
	SetProgress(ctx context.Context, jobID string, p Progress, ttl time.Duration) error

	// GetProgress reads the overlay entry. Returns (nil, nil) when the
	// entry is absent or expired.
	GetProgress(ctx context.Context, jobID string) (*Progress, error)

	// ClearEphemeral deletes the progress, heartbeat and cancel keys for
	// jobID. Called when a job reaches a terminal state.
	ClearEphemeral(ctx context.Context, jobID string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
