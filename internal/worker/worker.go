// Package worker executes backtest jobs pulled from the priority lanes.
// Each lane owns a fixed-size pool of executors, so a flood of
// low-priority submissions can never starve high-priority capacity; the
// cost is some idle capacity when a lane is quiet. Within a pool, each
// executor runs one job at a time to completion.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/backrun/internal/backoff"
	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/engine"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/ratelimit"
	"github.com/yourorg/backrun/internal/resultstore"
	"github.com/yourorg/backrun/internal/store"
)

// Config tunes one worker process.
type Config struct {
	ID       string
	Hostname string

	// PoolSizes fixes the executor count per lane. Lanes absent from the
	// map get DefaultPoolSizes.
	PoolSizes map[domain.Lane]int

	// Tick is the supervision cadence: heartbeat refresh, cancel-flag
	// poll, memory check and progress sync. The engine contract requires
	// hooks to be polled at least every 30s; half that leaves slack.
	Tick time.Duration

	// PollInterval is the idle sleep between empty dequeue attempts.
	PollInterval time.Duration

	// MemoryCeilingBytes aborts a run whose heap exceeds it. 0 disables
	// the check.
	MemoryCeilingBytes uint64
}

// DefaultPoolSizes applies when Config.PoolSizes omits a lane.
var DefaultPoolSizes = map[domain.Lane]int{
	domain.LaneHigh:   2,
	domain.LaneNormal: 4,
	domain.LaneLow:    2,
}

const (
	defaultTick         = 15 * time.Second
	defaultPollInterval = 500 * time.Millisecond

	// limiterRetryDelay reschedules an entry whose principal is at its
	// concurrency cap.
	limiterRetryDelay = 5 * time.Second
)

type Worker struct {
	cfg      Config
	jobs     store.Jobs
	broker   lanes.Broker
	registry *engine.Registry
	results  *resultstore.Store
	limiter  ratelimit.Limiter
	backoff  backoff.Strategy
	logger   *slog.Logger

	startDone     chan struct{}
	startDoneOnce sync.Once
}

func New(
	cfg Config,
	jobs store.Jobs,
	broker lanes.Broker,
	registry *engine.Registry,
	results *resultstore.Store,
	limiter ratelimit.Limiter,
	strategy backoff.Strategy,
	logger *slog.Logger,
) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if strategy == nil {
		strategy = backoff.Default()
	}
	return &Worker{
		cfg:       cfg,
		jobs:      jobs,
		broker:    broker,
		registry:  registry,
		results:   results,
		limiter:   limiter,
		backoff:   strategy,
		logger:    logger,
		startDone: make(chan struct{}),
	}
}

// Start runs the lane pools until ctx is canceled. Jobs in flight at
// shutdown are abandoned in place; the watchdog fails them once their
// heartbeat goes stale.
func (w *Worker) Start(ctx context.Context) {
	defer w.startDoneOnce.Do(func() { close(w.startDone) })

	w.logger.Info("worker starting",
		"worker_id", w.cfg.ID,
		"hostname", w.cfg.Hostname,
		"workloads", w.registry.Names())

	var wg sync.WaitGroup
	for _, lane := range []domain.Lane{domain.LaneHigh, domain.LaneNormal, domain.LaneLow} {
		size := w.cfg.PoolSizes[lane]
		if size <= 0 {
			size = DefaultPoolSizes[lane]
		}
		for i := 0; i < size; i++ {
			wg.Add(1)
			go func(lane domain.Lane, slot int) {
				defer wg.Done()
				w.poolLoop(ctx, lane, slot)
			}(lane, i)
		}
	}
	wg.Wait()
}

// DrainAndWait blocks until the pools exit (usually after ctx
// cancellation) or until the caller's timeout is reached.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	select {
	case <-w.startDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) poolLoop(ctx context.Context, lane domain.Lane, slot int) {
	log := w.logger.With("lane", lane, "slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := w.RunOne(ctx, lane)
		if err != nil {
			log.Error("dequeue error", "err", err)
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		if !ran {
			sleepCtx(ctx, w.cfg.PollInterval)
		}
	}
}

// RunOne pops and executes at most one job from the lane. Reports
// whether a job was processed.
func (w *Worker) RunOne(ctx context.Context, lane domain.Lane) (bool, error) {
	jobID, ok, err := w.broker.Pop(ctx, lane)
	if err != nil || !ok {
		return false, err
	}

	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Entry outlived its row (retention or manual delete).
			w.logger.Warn("dropping queue entry without a record",
				"job_id", jobID, "lane", lane)
			return true, nil
		}
		// Transient store trouble: put the entry back for another try.
		w.broker.Push(ctx, lane, jobID, time.Now().Add(time.Second)) //nolint:errcheck
		return false, err
	}
	if job.Status != domain.StatusPending {
		// Cancelled while queued, or already claimed elsewhere.
		return true, nil
	}

	release := func() {}
	if w.limiter != nil {
		acquired, err := w.limiter.Acquire(ctx, job.Principal, job.ID)
		switch {
		case err != nil:
			// The limiter is advisory; run anyway rather than stall.
			w.logger.Warn("limiter acquire failed", "job_id", job.ID, "err", err)
		case !acquired:
			// Principal at its concurrency cap: defer the entry.
			w.broker.Push(ctx, lane, jobID, time.Now().Add(limiterRetryDelay)) //nolint:errcheck
			return true, nil
		default:
			release = func() {
				if err := w.limiter.Release(ctx, job.Principal, job.ID); err != nil {
					w.logger.Warn("limiter release failed", "job_id", job.ID, "err", err)
				}
			}
		}
	}

	abandoned := w.runJob(ctx, job)
	if !abandoned {
		// An abandoned execution keeps its slot; the watchdog frees it
		// when it force-fails the job.
		release()
	}
	return true, nil
}

// runJob executes one claimed job end to end. Reports whether the
// execution was abandoned at shutdown with the record left running.
func (w *Worker) runJob(ctx context.Context, job *domain.Job) bool {
	execID := uuid.New()
	log := w.logger.With(
		"job_id", job.ID,
		"workload", job.Workload,
		"lane", job.Lane,
		"attempt", job.RetryCount,
		"exec_id", execID,
	)

	// Dependency init happens before the record goes running: a job that
	// cannot even start must not look like an active execution.
	eng, err := w.registry.Lookup(job.Workload)
	if err != nil {
		log.Error("unknown workload", "err", err)
		w.forceFailPending(ctx, job, err.Error(), log)
		return false
	}
	cfg, err := parseConfig(job)
	if err != nil {
		log.Error("stored config unreadable", "err", err)
		w.forceFailPending(ctx, job, err.Error(), log)
		return false
	}

	claimed, err := w.jobs.MarkRunning(ctx, job.ID, execID, w.cfg.ID)
	if err != nil {
		log.Error("failed to mark running", "err", err)
		return false
	}
	if !claimed {
		log.Warn("claim lost, job no longer pending")
		return false
	}
	log.Info("job started")

	attempt := w.execute(ctx, job, execID, eng, cfg, log)
	w.finalize(ctx, job, execID, attempt, log)
	return attempt.abandoned
}

// forceFailPending fails a pending job that could not begin executing.
// The causes here (unknown workload, corrupt stored config) recur on
// every attempt, so no retry is scheduled.
func (w *Worker) forceFailPending(ctx context.Context, job *domain.Job, msg string, log *slog.Logger) {
	if _, err := w.jobs.ForceFail(ctx, job.ID, msg); err != nil {
		log.Error("failed to force-fail", "err", err)
		return
	}
	if err := w.broker.ClearEphemeral(ctx, job.ID); err != nil {
		log.Warn("clear ephemeral failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
