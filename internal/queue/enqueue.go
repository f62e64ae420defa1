package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/jobcfg"
	"github.com/yourorg/backrun/internal/store"
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Config    *jobcfg.Config
	Principal string
	Lane      domain.Lane
	Timeout   time.Duration // 0 means jobcfg.DefaultTimeout

	// Rerun marks a user-initiated re-run of a terminal job. It resets
	// the retry counter; system healing never sets it.
	Rerun bool
}

// SubmitResult is returned by Submit. Created, Rerun and Healed are
// mutually exclusive; all false means an active job already existed and
// was returned unchanged.
type SubmitResult struct {
	JobID  string        `json:"job_id"`
	Status domain.Status `json:"status"`
	Lane   domain.Lane   `json:"lane"`

	Created bool `json:"created"`
	Rerun   bool `json:"rerun,omitempty"`
	Healed  bool `json:"healed,omitempty"`
}

// Submit enqueues a job idempotently. Two concurrent calls with the same
// config and principal agree on one job ID and produce at most one
// active execution: a short-lived per-ID lock serializes them, and the
// loser returns the row the winner created.
//
// Re-submission policy: pending and running jobs are returned unchanged.
// A terminal job is reset to pending with all prior result fields
// cleared and a fresh queue entry created; that is the only path that
// reuses a job ID after completion. A pending job whose queue entry has gone
// missing is healed within the heal budget, then forced to failed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Principal == "" {
		return nil, &domain.ValidationError{Field: "principal", Reason: "must not be empty"}
	}
	if req.Lane == "" {
		req.Lane = domain.LaneNormal
	}
	if !domain.ValidLane(req.Lane) {
		return nil, &domain.ValidationError{Field: "lane", Reason: fmt.Sprintf("unknown lane %q", req.Lane)}
	}
	if req.Config == nil {
		return nil, &domain.ValidationError{Field: "config", Reason: "must not be empty"}
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	if err := jobcfg.ValidateTimeout(req.Timeout); err != nil {
		return nil, err
	}
	if req.Timeout == 0 {
		req.Timeout = jobcfg.DefaultTimeout
	}

	jobID, err := jobcfg.ComputeJobID(req.Config, req.Principal)
	if err != nil {
		return nil, err
	}

	locked, err := s.lockJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if locked {
		defer s.broker.Unlock(ctx, jobID) //nolint:errcheck
	}

	existing, err := s.jobs.Get(ctx, jobID)
	switch {
	case err == nil:
		return s.resubmit(ctx, existing, req)
	case !errors.Is(err, domain.ErrJobNotFound):
		return nil, err
	}

	if !locked {
		// Lost the lock race and the winner has not created the row yet.
		return nil, fmt.Errorf("queue: job %s: submission in progress, retry shortly", jobID)
	}

	canonical, err := req.Config.Canonical()
	if err != nil {
		return nil, err
	}
	job := &domain.Job{
		ID:         jobID,
		Workload:   req.Config.Workload,
		Principal:  req.Principal,
		Lane:       req.Lane,
		Config:     canonical,
		Status:     domain.StatusPending,
		Timeout:    req.Timeout,
		MaxRetries: DefaultMaxRetries,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobAlreadyExists) {
			// Another submitter slipped in between Get and Create.
			existing, gerr := s.jobs.Get(ctx, jobID)
			if gerr != nil {
				return nil, gerr
			}
			return s.resubmit(ctx, existing, req)
		}
		return nil, err
	}

	if err := s.broker.Push(ctx, req.Lane, jobID, s.now()); err != nil {
		// The row exists, so Reconcile will re-create the entry.
		s.logger.Warn("enqueue: push after create failed, job will be healed",
			"job_id", jobID, "err", err)
	}

	s.logger.Info("job enqueued",
		"job_id", jobID,
		"workload", req.Config.Workload,
		"principal", req.Principal,
		"lane", req.Lane)

	return &SubmitResult{
		JobID:   jobID,
		Status:  domain.StatusPending,
		Lane:    req.Lane,
		Created: true,
	}, nil
}

// resubmit handles Submit against an existing row.
func (s *Service) resubmit(ctx context.Context, existing *domain.Job, req SubmitRequest) (*SubmitResult, error) {
	res := &SubmitResult{
		JobID:  existing.ID,
		Status: existing.Status,
		Lane:   existing.Lane,
	}

	switch {
	case existing.Status == domain.StatusRunning:
		return res, nil

	case existing.Status == domain.StatusPending:
		healed, err := s.healEntry(ctx, existing)
		if err != nil {
			return nil, err
		}
		res.Healed = healed
		if healed {
			res.Status = domain.StatusPending
		} else {
			// Either the entry was present, or the heal budget ran out
			// and the job was forced to failed. Re-read for the latter.
			fresh, err := s.jobs.Get(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			res.Status = fresh.Status
		}
		return res, nil

	default: // terminal
		ok, err := s.jobs.ResetForRerun(ctx, existing.ID, req.Rerun)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Raced with another resubmit that already reset it.
			fresh, err := s.jobs.Get(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			res.Status = fresh.Status
			return res, nil
		}
		if err := s.broker.ClearEphemeral(ctx, existing.ID); err != nil {
			s.logger.Warn("resubmit: clear ephemeral failed",
				"job_id", existing.ID, "err", err)
		}
		if err := s.broker.Push(ctx, existing.Lane, existing.ID, s.now()); err != nil {
			s.logger.Warn("resubmit: push failed, job will be healed",
				"job_id", existing.ID, "err", err)
		}
		s.logger.Info("job reset for re-run",
			"job_id", existing.ID, "user_rerun", req.Rerun)
		res.Status = domain.StatusPending
		res.Rerun = true
		return res, nil
	}
}

// healEntry re-creates a missing queue entry for a pending job, within
// the heal budget. Reports whether a heal was performed.
func (s *Service) healEntry(ctx context.Context, j *domain.Job) (bool, error) {
	present, err := s.broker.Contains(ctx, j.Lane, j.ID)
	if err != nil || present {
		return false, err
	}

	decision, err := s.jobs.RecordHeal(ctx, j.ID, HealWindow, MaxHeals)
	if err != nil {
		return false, err
	}
	if decision == store.HealExhausted {
		msg := fmt.Sprintf("queue entry lost %d times within %s, heal budget exhausted", MaxHeals, HealWindow)
		if _, err := s.jobs.ForceFail(ctx, j.ID, msg); err != nil {
			return false, err
		}
		s.logger.Error("heal budget exhausted, job failed", "job_id", j.ID)
		return false, nil
	}

	if err := s.broker.Push(ctx, j.Lane, j.ID, s.now()); err != nil {
		return false, err
	}
	s.logger.Warn("healed missing queue entry",
		"job_id", j.ID, "lane", j.Lane, "heal_count", j.HealCount+1)
	return true, nil
}

// lockJob acquires the per-ID enqueue lock, retrying briefly. Reports
// whether the lock was won; callers without the lock may still serve
// reads of a row the winner already created.
func (s *Service) lockJob(ctx context.Context, jobID string) (bool, error) {
	for attempt := 0; attempt < lockRetries; attempt++ {
		ok, err := s.broker.TryLock(ctx, jobID, enqueueLockTTL)
		if err != nil {
			return false, fmt.Errorf("queue: enqueue lock: %w", err)
		}
		if ok {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.sleep(lockRetryDelay)
	}
	return false, nil
}
