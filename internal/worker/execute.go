package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/engine"
	"github.com/yourorg/backrun/internal/jobcfg"
	"github.com/yourorg/backrun/internal/lanes"
)

// attempt is the outcome of one supervised execution.
type attempt struct {
	kind        domain.OutcomeKind
	result      *engine.Result
	err         error
	abandoned   bool // worker shutdown mid-run, leave the record alone
	memExceeded bool
	lastPercent int
}

func parseConfig(job *domain.Job) (*jobcfg.Config, error) {
	cfg, err := jobcfg.Parse(job.Config)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return cfg, nil
}

// execute runs the engine under supervision. A single background
// goroutine ticks for the lifetime of the call and does the periodic
// duties: refresh both heartbeats, poll the cooperative cancel flag,
// and check the memory ceiling. Progress flows through the callback the
// engine is contractually required to invoke at least every 30 seconds.
func (w *Worker) execute(
	ctx context.Context,
	job *domain.Job,
	execID uuid.UUID,
	eng engine.Engine,
	cfg *jobcfg.Config,
	log *slog.Logger,
) attempt {
	execCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	var userCancelled, memExceeded atomic.Bool

	stop := make(chan struct{})
	go w.supervise(execCtx, job, execID, cancel, &userCancelled, &memExceeded, stop, log)
	defer close(stop)

	var lastPercent atomic.Int64
	ttl := lanes.KeyTTL(job.Timeout)
	syncedDecile := -1
	progress := func(percent int, stage, currentItem string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if int64(percent) > lastPercent.Load() {
			lastPercent.Store(int64(percent))
		}
		err := w.broker.SetProgress(execCtx, job.ID, lanes.Progress{
			Percent:     percent,
			Stage:       stage,
			CurrentItem: currentItem,
			UpdatedAt:   time.Now(),
		}, ttl)
		if err != nil {
			log.Warn("progress overlay write failed", "err", err)
		}
		// Coarse sync every 10% so progress survives overlay expiry.
		if percent/10 > syncedDecile {
			syncedDecile = percent / 10
			if err := w.jobs.SyncProgress(execCtx, job.ID, execID, percent, stage); err != nil {
				log.Warn("coarse progress sync failed", "err", err)
			}
		}
	}
	cancelled := func() bool {
		return userCancelled.Load() || memExceeded.Load() || execCtx.Err() != nil
	}

	result, runErr := eng.Run(execCtx, cfg, progress, cancelled)

	a := attempt{lastPercent: int(lastPercent.Load())}
	switch {
	case ctx.Err() != nil:
		a.abandoned = true
	case memExceeded.Load():
		a.kind = domain.OutcomeFailed
		a.memExceeded = true
		a.err = fmt.Errorf("%w: heap exceeded %d bytes", domain.ErrMemoryCeiling, w.cfg.MemoryCeilingBytes)
	case userCancelled.Load():
		a.kind = domain.OutcomeCancelled
	case execCtx.Err() == context.DeadlineExceeded:
		a.kind = domain.OutcomeFailed
		a.err = fmt.Errorf("execution exceeded timeout %s", job.Timeout)
	case runErr != nil:
		a.kind = domain.OutcomeFailed
		a.err = runErr
	default:
		a.kind = domain.OutcomeCompleted
		a.result = result
	}
	return a
}

// supervise is the per-job tick loop. Heartbeat writes are retried on
// the next tick rather than failing the run: transient store trouble
// must not kill a healthy computation.
func (w *Worker) supervise(
	ctx context.Context,
	job *domain.Job,
	execID uuid.UUID,
	cancel context.CancelFunc,
	userCancelled, memExceeded *atomic.Bool,
	stop <-chan struct{},
	log *slog.Logger,
) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	ttl := lanes.KeyTTL(job.Timeout)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.broker.Heartbeat(ctx, job.ID, w.cfg.ID, ttl); err != nil {
				log.Warn("heartbeat refresh failed", "err", err)
			}
			if err := w.jobs.Heartbeat(ctx, job.ID, execID); err != nil {
				log.Warn("heartbeat record sync failed", "err", err)
			}

			if w.cancelRequested(ctx, job.ID, log) {
				log.Info("cancel flag observed")
				userCancelled.Store(true)
				cancel()
				return
			}

			if heapExceeds(w.cfg.MemoryCeilingBytes) {
				log.Warn("memory ceiling exceeded, aborting run",
					"ceiling_bytes", w.cfg.MemoryCeilingBytes)
				memExceeded.Store(true)
				cancel()
				return
			}
		}
	}
}

// cancelRequested consults the broker flag first and falls back to the
// record, so a lost Redis key cannot swallow a cancellation.
func (w *Worker) cancelRequested(ctx context.Context, jobID string, log *slog.Logger) bool {
	set, err := w.broker.CancelRequested(ctx, jobID)
	if err != nil {
		log.Warn("cancel flag check failed", "err", err)
	} else if set {
		return true
	}
	j, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		log.Warn("cancel record check failed", "err", err)
		return false
	}
	return j.CancelRequestedAt != nil
}
