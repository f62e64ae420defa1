package resultstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/backrun/internal/store"
)

// Sweeper deletes expired terminal jobs: artifacts first, then the
// metadata row. That order means a crash mid-sweep leaves a row whose
// artifacts are gone (the next sweep finishes the delete) and never an
// unreachable artifact directory that nothing will ever clean up.
type Sweeper struct {
	jobs      store.Jobs
	artifacts *Store
	ttl       time.Duration
	batch     int
	logger    *slog.Logger
}

func NewSweeper(jobs store.Jobs, artifacts *Store, ttl time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		jobs:      jobs,
		artifacts: artifacts,
		ttl:       ttl,
		batch:     500,
		logger:    logger,
	}
}

// Run sweeps on the given interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("retention: sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("retention: swept jobs", "count", n)
			}
		}
	}
}

// SweepOnce deletes one batch of expired terminal jobs and returns how
// many rows were removed. Running or pending jobs are never touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.ttl)
	expired, err := s.jobs.TerminalBefore(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, j := range expired {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if err := s.artifacts.Discard(j.ID); err != nil {
			// Keep the row: a pointer to artifacts we could not remove
			// beats an orphaned directory. Retried next sweep.
			s.logger.Warn("retention: discard artifacts failed",
				"job_id", j.ID, "err", err)
			continue
		}
		if _, err := s.jobs.Delete(ctx, j.ID); err != nil {
			s.logger.Warn("retention: delete row failed",
				"job_id", j.ID, "err", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
