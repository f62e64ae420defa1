package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition out of s is permitted.
// The only way past a terminal status is the explicit re-run path in
// queue.Enqueue, which fully resets the record first.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Lane is a priority lane. Each lane has its own bounded worker pool, so
// a flood of low-priority submissions can never starve high-priority
// capacity.
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneNormal Lane = "normal"
	LaneLow    Lane = "low"
	// LaneDead holds jobs that exhausted their retry budget. Nothing
	// dequeues from it automatically; it exists for operator inspection.
	LaneDead Lane = "dead"
)

// ValidLane reports whether l is a lane callers may submit to.
func ValidLane(l Lane) bool {
	return l == LaneHigh || l == LaneNormal || l == LaneLow
}

// Repro identifies the exact inputs a completed run was computed from.
// A completed job without it cannot be trusted, so every completion path
// requires it to be present.
type Repro struct {
	SnapshotID      string            `json:"snapshot_id"`
	DatasetVersions map[string]string `json:"dataset_versions"`
}

// Valid reports whether the pointers are populated enough to reproduce
// the run.
func (r *Repro) Valid() bool {
	return r != nil && r.SnapshotID != "" && len(r.DatasetVersions) > 0
}

// Job is the durable metadata record, one row per job ID. The job ID is
// the content hash of the canonical config plus the submitting principal,
// so the row doubles as the idempotency record.
type Job struct {
	ID        string
	Workload  string
	Principal string
	Lane      Lane
	Config    []byte // canonical jobcfg JSON, round-trippable

	Status          Status
	ProgressPercent int
	Stage           string

	Timeout    time.Duration
	RetryCount int
	MaxRetries int

	// Heal accounting is separate from the retry budget: re-creating a
	// lost queue entry is not an execution attempt.
	HealCount       int
	HealWindowStart *time.Time

	WorkerID           *string
	CurrentExecutionID *uuid.UUID
	ErrorMessage       *string
	ResultPath         *string
	SummaryMetrics     map[string]float64
	Repro              *Repro
	DeadLettered       bool

	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	HeartbeatAt       *time.Time
	CancelRequestedAt *time.Time
	UpdatedAt         time.Time
	StateVersion      int
}

// OutcomeKind tags how an execution attempt ended. Cancellation is a
// normal outcome, never an error: treating it as one would let the
// retry layer resurrect a job the user asked to stop.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)
