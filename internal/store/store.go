// Package store defines the persistence contract for job metadata. The
// metadata record is the source of truth for job status; the Postgres
// implementation is production, the memory implementation backs tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/backrun/internal/domain"
)

// ListFilter controls filtering and pagination for job list queries.
// Zero values mean "no filter".
type ListFilter struct {
	Principal string
	Workload  string
	Status    domain.Status
	Limit     int
	Offset    int
}

// Completion carries everything a job needs to be finalized as completed.
// Repro is mandatory; implementations reject a completion without it.
type Completion struct {
	ResultPath string
	Metrics    map[string]float64
	Repro      domain.Repro
}

// HealDecision is the outcome of RecordHeal.
type HealDecision int

const (
	// HealAllowed means the heal was recorded and the queue entry may be
	// re-created.
	HealAllowed HealDecision = iota
	// HealExhausted means the job hit its heal cap inside the window and
	// must be forced to failed instead of healed again.
	HealExhausted
)

// Jobs is the metadata store contract. All state transitions are fenced:
// Mark* methods succeed only from the expected prior status (and, where
// an execution ID is given, only for that execution), reporting staleness
// via their bool return instead of an error. A terminal status is final;
// the only write permitted past it is ResetForRerun.
type Jobs interface {
	// Create persists a new pending job. Returns
	// domain.ErrJobAlreadyExists when the ID is taken.
	Create(ctx context.Context, j *domain.Job) error

	// Get retrieves a job by ID. Returns domain.ErrJobNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]*domain.Job, error)

	// ListDeadLettered returns failed jobs routed to the dead-letter
	// lane, newest first.
	ListDeadLettered(ctx context.Context, limit, offset int) ([]*domain.Job, error)

	// MarkRunning transitions pending → running, records the owning
	// worker and execution, and stamps started_at.
	MarkRunning(ctx context.Context, id string, execID uuid.UUID, workerID string) (bool, error)

	// MarkCompleted transitions running → completed with result pointers.
	// Returns domain.ErrMissingRepro when c.Repro is not populated.
	MarkCompleted(ctx context.Context, id string, execID uuid.UUID, c Completion) (bool, error)

	// MarkFailed transitions running → failed with an error message.
	MarkFailed(ctx context.Context, id string, execID uuid.UUID, errMsg string, deadLettered bool) (bool, error)

	// MarkCancelled transitions running → cancelled. The last reported
	// progress percentage is preserved and no error message is set.
	MarkCancelled(ctx context.Context, id string, execID uuid.UUID) (bool, error)

	// MarkRetry transitions running → pending for a future attempt,
	// incrementing the retry counter. This is the single serialized
	// retry-count path; the execution fence prevents double counting.
	MarkRetry(ctx context.Context, id string, execID uuid.UUID, errMsg string) (bool, error)

	// CancelPending transitions pending → cancelled synchronously.
	CancelPending(ctx context.Context, id string) (bool, error)

	// RequestCancel stamps cancel_requested_at on a running job. The
	// transition to cancelled happens cooperatively in the worker.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// ForceFail transitions a non-terminal job to failed regardless of
	// execution fencing. Used by the watchdog (lost worker) and by the
	// heal path when the heal budget is exhausted.
	ForceFail(ctx context.Context, id string, errMsg string) (bool, error)

	// ResetForRerun resets a terminal job to pending, clearing all
	// result, error, progress and reproducibility fields so no stale
	// data leaks into the new run. resetRetries distinguishes a
	// user-initiated re-run (counter back to zero) from system healing
	// (counter preserved).
	ResetForRerun(ctx context.Context, id string, resetRetries bool) (bool, error)

	// SyncProgress persists the coarse progress percentage and stage so
	// progress survives cache expiry. Progress is monotonic within a
	// run; implementations ignore writes that would decrease it.
	SyncProgress(ctx context.Context, id string, execID uuid.UUID, percent int, stage string) error

	// Heartbeat mirrors the worker's liveness signal into the record for
	// the watchdog's staleness comparison.
	Heartbeat(ctx context.Context, id string, execID uuid.UUID) error

	// RecordHeal increments the heal counter inside a sliding window of
	// the given length, restarting the window when it has lapsed.
	RecordHeal(ctx context.Context, id string, window time.Duration, maxHeals int) (HealDecision, error)

	// ListRunning returns all jobs currently in running state.
	ListRunning(ctx context.Context) ([]*domain.Job, error)

	// ListPending returns up to limit pending jobs, oldest first.
	ListPending(ctx context.Context, limit int) ([]*domain.Job, error)

	// TerminalBefore returns terminal jobs whose last transition is
	// older than cutoff, oldest first. Used by retention sweeps.
	TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)

	// Delete removes a job row. Retention only, and only after the
	// on-disk artifacts are gone.
	Delete(ctx context.Context, id string) (bool, error)

	// TryLeaderLock attempts to acquire the cluster-wide watchdog lock.
	// release is non-nil iff acquired.
	TryLeaderLock(ctx context.Context) (release func(), acquired bool, err error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
