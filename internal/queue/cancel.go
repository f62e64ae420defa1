package queue

import (
	"context"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/lanes"
)

// Cancel requests cancellation of a job. The return value reports
// whether a cancellation was accepted, not whether it has completed: a
// queued job cancels synchronously, a running one cancels cooperatively
// once the worker observes the flag (bounded by the worker tick, well
// under 30 seconds). Terminal jobs are left alone.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch j.Status {
	case domain.StatusPending:
		// Remove the entry first so no worker dequeues it mid-cancel.
		// A missing entry means the job was orphaned; it is cancelled
		// all the same.
		if _, err := s.broker.Remove(ctx, j.Lane, j.ID); err != nil {
			s.logger.Warn("cancel: remove queue entry failed",
				"job_id", j.ID, "err", err)
		}
		ok, err := s.jobs.CancelPending(ctx, j.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			// A worker claimed it between Get and CancelPending; fall
			// back to the cooperative path.
			return s.cancelRunning(ctx, j)
		}
		if err := s.broker.ClearEphemeral(ctx, j.ID); err != nil {
			s.logger.Warn("cancel: clear ephemeral failed",
				"job_id", j.ID, "err", err)
		}
		s.logger.Info("job cancelled while queued", "job_id", j.ID)
		return true, nil

	case domain.StatusRunning:
		return s.cancelRunning(ctx, j)

	default:
		return false, nil
	}
}

func (s *Service) cancelRunning(ctx context.Context, j *domain.Job) (bool, error) {
	if _, err := s.jobs.RequestCancel(ctx, j.ID); err != nil {
		return false, err
	}
	// The flag's TTL spans the whole run so a slow job cannot outlive
	// its own cancellation request.
	if err := s.broker.RequestCancel(ctx, j.ID, lanes.KeyTTL(j.Timeout)); err != nil {
		return false, err
	}
	s.logger.Info("cooperative cancel requested", "job_id", j.ID)
	return true, nil
}
