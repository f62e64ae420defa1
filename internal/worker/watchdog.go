package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/ratelimit"
	"github.com/yourorg/backrun/internal/store"
)

// Watchdog fails running jobs whose worker has gone silent. It competes
// for a cluster-wide leader lock so only one instance scans at a time;
// non-winners sleep and retry. Lost-worker failures are infrastructural,
// so the jobs stay eligible for the normal retry path on resubmission.
type Watchdog struct {
	jobs   store.Jobs
	broker lanes.Broker
	logger *slog.Logger

	// Limiter, when set, is released for every job the watchdog fails,
	// freeing the concurrency slot the dead worker still held.
	Limiter ratelimit.Limiter

	// Now is injectable for tests.
	Now func() time.Time
}

const (
	watchdogInterval = time.Minute
	electionRetry    = 10 * time.Second
)

func NewWatchdog(jobs store.Jobs, broker lanes.Broker, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		jobs:   jobs,
		broker: broker,
		logger: logger,
		Now:    time.Now,
	}
}

// Run competes for the leader lock and scans on the winner until ctx is
// done.
func (d *Watchdog) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		release, won, err := d.jobs.TryLeaderLock(ctx)
		if err != nil {
			d.logger.Error("watchdog: leader lock failed", "err", err)
			sleepCtx(ctx, electionRetry)
			continue
		}
		if !won {
			sleepCtx(ctx, electionRetry)
			continue
		}

		d.logger.Info("watchdog: won election")
		d.scanLoop(ctx)
		release()
	}
}

func (d *Watchdog) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.ScanOnce(ctx); err != nil {
				d.logger.Error("watchdog: scan failed", "err", err)
				return
			} else if n > 0 {
				d.logger.Warn("watchdog: failed stale jobs", "count", n)
			}
		}
	}
}

// ScanOnce checks every running job and force-fails the ones whose
// heartbeat is older than max(jobTimeout, 1h). The floor tolerates slow
// jobs; a live broker heartbeat short-circuits the check entirely.
// Returns how many jobs were failed.
func (d *Watchdog) ScanOnce(ctx context.Context) (int, error) {
	running, err := d.jobs.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	failed := 0
	now := d.Now()
	for _, j := range running {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}

		alive, err := d.broker.HeartbeatAlive(ctx, j.ID)
		if err != nil {
			d.logger.Warn("watchdog: heartbeat probe failed",
				"job_id", j.ID, "err", err)
		} else if alive {
			continue
		}

		threshold := lanes.KeyTTL(j.Timeout)
		last := j.StartedAt
		if j.HeartbeatAt != nil {
			last = j.HeartbeatAt
		}
		if last == nil || now.Sub(*last) <= threshold {
			continue
		}

		msg := fmt.Sprintf("worker heartbeat lost: no signal since %s (threshold %s)",
			last.Format(time.RFC3339), threshold)
		ok, err := d.jobs.ForceFail(ctx, j.ID, msg)
		if err != nil {
			d.logger.Error("watchdog: force-fail failed",
				"job_id", j.ID, "err", err)
			continue
		}
		if ok {
			if cerr := d.broker.ClearEphemeral(ctx, j.ID); cerr != nil {
				d.logger.Warn("watchdog: clear ephemeral failed",
					"job_id", j.ID, "err", cerr)
			}
			if d.Limiter != nil {
				if lerr := d.Limiter.Release(ctx, j.Principal, j.ID); lerr != nil {
					d.logger.Warn("watchdog: limiter release failed",
						"job_id", j.ID, "err", lerr)
				}
			}
			d.logger.Warn("watchdog: job failed for lost heartbeat",
				"job_id", j.ID,
				"worker_id", j.WorkerID,
				"last_heartbeat", last)
			failed++
		}
	}
	return failed, nil
}
