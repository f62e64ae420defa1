package queue

import (
	"context"
	"time"
)

// Reconcile walks pending jobs and re-creates queue entries that have
// gone missing, within each job's heal budget. The queue and the
// metadata store can fail independently; this pass is what pulls them
// back together. Returns how many entries were healed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.jobs.ListPending(ctx, 500)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, j := range pending {
		if ctx.Err() != nil {
			return healed, ctx.Err()
		}
		ok, err := s.healEntry(ctx, j)
		if err != nil {
			s.logger.Warn("reconcile: heal failed", "job_id", j.ID, "err", err)
			continue
		}
		if ok {
			healed++
		}
	}
	return healed, nil
}

// RunReconciler reconciles on the given interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile pass failed", "err", err)
			} else if n > 0 {
				s.logger.Info("reconcile pass healed entries", "count", n)
			}
		}
	}
}
