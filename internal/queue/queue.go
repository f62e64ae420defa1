// Package queue is the client-facing job API: idempotent submission,
// status reads, cancellation and queue/metadata reconciliation. It owns
// no state of its own; everything durable lives in the metadata store,
// everything ephemeral in the lane broker.
package queue

import (
	"log/slog"
	"time"

	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/store"
)

const (
	// DefaultMaxRetries bounds automatic retries before a job is routed
	// to the dead-letter lane.
	DefaultMaxRetries = 3

	// HealWindow and MaxHeals bound how often a lost queue entry may be
	// re-created for one job before the job is forced to failed. Heals
	// do not consume the retry budget: re-creating a queue entry is not
	// an execution attempt.
	HealWindow = time.Hour
	MaxHeals   = 3

	enqueueLockTTL = 10 * time.Second
	lockRetries    = 5
	lockRetryDelay = 100 * time.Millisecond
)

// Service implements the queue client API over a metadata store and a
// lane broker.
type Service struct {
	jobs   store.Jobs
	broker lanes.Broker
	logger *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func New(jobs store.Jobs, broker lanes.Broker, logger *slog.Logger) *Service {
	return &Service{
		jobs:   jobs,
		broker: broker,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}
