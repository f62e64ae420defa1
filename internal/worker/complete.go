package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/engine"
	"github.com/yourorg/backrun/internal/store"
)

// finalize persists the attempt outcome. Every transition is fenced by
// the execution ID, so a finalization racing the watchdog or a re-run
// quietly loses instead of corrupting the record.
func (w *Worker) finalize(ctx context.Context, job *domain.Job, execID uuid.UUID, a attempt, log *slog.Logger) {
	if a.abandoned {
		log.Info("execution abandoned for shutdown, record left running")
		return
	}

	switch a.kind {
	case domain.OutcomeCompleted:
		w.finalizeCompleted(ctx, job, execID, a, log)
	case domain.OutcomeCancelled:
		w.finalizeCancelled(ctx, job, execID, a, log)
	case domain.OutcomeFailed:
		w.finalizeFailed(ctx, job, execID, a, log)
	}
}

// finalizeCompleted persists artifacts first, then flips the record.
// That order means a crash between the two leaves artifacts that the
// re-run overwrites, never a completed record with no artifacts behind
// it. A result missing its reproducibility pointers is an internal
// error and goes down the failure path instead.
func (w *Worker) finalizeCompleted(ctx context.Context, job *domain.Job, execID uuid.UUID, a attempt, log *slog.Logger) {
	path, err := w.results.Save(job.ID, job.Workload, a.result)
	if err != nil {
		a.err = fmt.Errorf("persist result: %w", err)
		a.kind = domain.OutcomeFailed
		w.finalizeFailed(ctx, job, execID, a, log)
		return
	}

	completed, err := w.jobs.MarkCompleted(ctx, job.ID, execID, store.Completion{
		ResultPath: path,
		Metrics:    a.result.Metrics,
		Repro: domain.Repro{
			SnapshotID:      a.result.SnapshotID,
			DatasetVersions: a.result.DatasetVersions,
		},
	})
	if err != nil {
		if errors.Is(err, domain.ErrMissingRepro) {
			a.err = err
			a.kind = domain.OutcomeFailed
			w.finalizeFailed(ctx, job, execID, a, log)
			return
		}
		log.Error("failed to mark completed", "err", err)
		return
	}
	if !completed {
		log.Warn("stale completion ignored")
		return
	}

	w.clearEphemeral(ctx, job.ID, log)
	log.Info("job completed",
		"result_path", path,
		"snapshot_id", a.result.SnapshotID)
}

// finalizeCancelled records a user cancellation: partial artifacts are
// discarded, the last reported progress is kept, and no error message
// is written.
func (w *Worker) finalizeCancelled(ctx context.Context, job *domain.Job, execID uuid.UUID, a attempt, log *slog.Logger) {
	if err := w.results.Discard(job.ID); err != nil {
		log.Warn("discard partial artifacts failed", "err", err)
	}

	// Pin the final percentage into the record before the transition so
	// the status shows "cancelled at N%" after the overlay expires.
	if a.lastPercent > 0 {
		if err := w.jobs.SyncProgress(ctx, job.ID, execID, a.lastPercent, ""); err != nil {
			log.Warn("final progress sync failed", "err", err)
		}
	}

	cancelled, err := w.jobs.MarkCancelled(ctx, job.ID, execID)
	if err != nil {
		log.Error("failed to mark cancelled", "err", err)
		return
	}
	if !cancelled {
		log.Warn("stale cancel transition ignored")
		return
	}

	w.clearEphemeral(ctx, job.ID, log)
	log.Info("job cancelled", "progress_percent", a.lastPercent)
}

// finalizeFailed either schedules a retry with backoff or routes the job
// to the dead-letter lane. Fatal engine errors and memory-ceiling
// violations skip the retry budget entirely: they would recur.
func (w *Worker) finalizeFailed(ctx context.Context, job *domain.Job, execID uuid.UUID, a attempt, log *slog.Logger) {
	var fatal *engine.FatalError
	noRetry := errors.As(a.err, &fatal) || a.memExceeded

	if noRetry || job.RetryCount >= job.MaxRetries {
		failed, err := w.jobs.MarkFailed(ctx, job.ID, execID, a.err.Error(), true)
		if err != nil {
			log.Error("failed to mark failed", "err", err)
			return
		}
		if !failed {
			log.Warn("stale failure transition ignored")
			return
		}
		if err := w.broker.Push(ctx, domain.LaneDead, job.ID, time.Now()); err != nil {
			log.Warn("dead-letter push failed", "err", err)
		}
		w.clearEphemeral(ctx, job.ID, log)
		log.Warn("job dead-lettered",
			"err", a.err,
			"no_retry", noRetry,
			"retry_count", job.RetryCount)
		return
	}

	// MarkRetry is the single serialized path that increments the retry
	// counter; the execution fence keeps concurrent duplicates out.
	retried, err := w.jobs.MarkRetry(ctx, job.ID, execID, a.err.Error())
	if err != nil {
		log.Error("failed to mark retry", "err", err)
		return
	}
	if !retried {
		log.Warn("stale retry transition ignored")
		return
	}

	delay := w.backoff.Delay(job.RetryCount + 1)
	if err := w.broker.Push(ctx, job.Lane, job.ID, time.Now().Add(delay)); err != nil {
		log.Warn("retry push failed, job will be healed", "err", err)
	}
	w.clearEphemeral(ctx, job.ID, log)
	log.Warn("job failed, retry scheduled",
		"err", a.err,
		"retry_count", job.RetryCount+1,
		"max_retries", job.MaxRetries,
		"delay", delay)
}

func (w *Worker) clearEphemeral(ctx context.Context, jobID string, log *slog.Logger) {
	if err := w.broker.ClearEphemeral(ctx, jobID); err != nil {
		log.Warn("clear ephemeral failed", "err", err)
	}
}
