package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/backrun/internal/backoff"
	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/engine"
	"github.com/yourorg/backrun/internal/jobcfg"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/ratelimit"
	"github.com/yourorg/backrun/internal/resultstore"
	"github.com/yourorg/backrun/internal/store/memory"
)

type engineFunc func(ctx context.Context, cfg *jobcfg.Config, progress engine.ProgressFunc, cancelled engine.CancelCheck) (*engine.Result, error)

func (f engineFunc) Run(ctx context.Context, cfg *jobcfg.Config, progress engine.ProgressFunc, cancelled engine.CancelCheck) (*engine.Result, error) {
	return f(ctx, cfg, progress, cancelled)
}

func goodResult() *engine.Result {
	return &engine.Result{
		Metrics:         map[string]float64{"sharpe": 1.1},
		Series:          map[string][]engine.Point{"equity": {{Time: time.Now(), Value: 100}}},
		SnapshotID:      "snap-1",
		DatasetVersions: map[string]string{"prices": "v1"},
	}
}

type fixture struct {
	worker  *Worker
	jobs    *memory.Store
	broker  *lanes.MemoryBroker
	results *resultstore.Store
	reg     *engine.Registry
}

func newFixture(t *testing.T, strategy backoff.Strategy) *fixture {
	t.Helper()
	jobs := memory.New()
	broker := lanes.NewMemoryBroker()
	results := resultstore.New(t.TempDir())
	reg := engine.NewRegistry()
	w := New(Config{
		ID:           "w1",
		Hostname:     "test-host",
		Tick:         5 * time.Millisecond,
		PollInterval: time.Millisecond,
	}, jobs, broker, reg, results, nil, strategy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{worker: w, jobs: jobs, broker: broker, results: results, reg: reg}
}

// enqueue creates a pending record plus its queue entry, the way the
// queue service would.
func (f *fixture) enqueue(t *testing.T, id string, maxRetries int) *domain.Job {
	t.Helper()
	cfg := &jobcfg.Config{
		Workload:  "momentum-alpha",
		StartDate: "2024-01-01",
		EndDate:   "2024-03-31",
		Variant:   "baseline",
	}
	canonical, err := cfg.Canonical()
	require.NoError(t, err)

	j := &domain.Job{
		ID:         id,
		Workload:   cfg.Workload,
		Principal:  "alice",
		Lane:       domain.LaneNormal,
		Config:     canonical,
		Status:     domain.StatusPending,
		Timeout:    time.Hour,
		MaxRetries: maxRetries,
	}
	require.NoError(t, f.jobs.Create(context.Background(), j))
	require.NoError(t, f.broker.Push(context.Background(), j.Lane, id, time.Now().Add(-time.Second)))
	return j
}

func TestRunOne_CompletesJob(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	f.enqueue(t, "job-ok", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, progress engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		progress(50, "simulating", "2024-02-15")
		progress(100, "finalizing", "")
		return goodResult(), nil
	}))

	ran, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)
	assert.True(t, ran)

	j, err := f.jobs.Get(ctx, "job-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.ProgressPercent)
	require.NotNil(t, j.Repro)
	assert.Equal(t, "snap-1", j.Repro.SnapshotID)
	require.NotNil(t, j.ResultPath)

	sum, err := f.results.Load("job-ok")
	require.NoError(t, err)
	assert.Equal(t, j.Repro.SnapshotID, sum.Repro.SnapshotID,
		"metadata and artifact summary must agree")

	p, err := f.broker.GetProgress(ctx, "job-ok")
	require.NoError(t, err)
	assert.Nil(t, p, "ephemeral keys are cleared at terminal state")
}

func TestRunOne_MissingReproFailsCompletion(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	f.enqueue(t, "job-norepro", 0)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		res := goodResult()
		res.SnapshotID = ""
		return res, nil
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-norepro")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status, "a result without repro pointers cannot complete")
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "reproducibility")
	assert.Nil(t, j.ResultPath)

	_, statErr := os.Stat(f.results.Dir("job-norepro"))
	assert.True(t, os.IsNotExist(statErr), "nothing is published for the failed completion")
}

func TestRunOne_CooperativeCancelPreservesProgress(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	j := f.enqueue(t, "job-cancel", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, progress engine.ProgressFunc, cancelled engine.CancelCheck) (*engine.Result, error) {
		progress(40, "simulating", "2024-02-01")
		for !cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, engine.ErrCancelled
	}))

	require.NoError(t, f.broker.RequestCancel(ctx, j.ID, lanes.KeyTTL(j.Timeout)))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 40, got.ProgressPercent, "cancelled at 40%, not reset")
	assert.Nil(t, got.ErrorMessage, "cancellation is not an error")
}

func TestRunOne_CancelViaRecordFallback(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	j := f.enqueue(t, "job-cancel-db", 3)

	started := make(chan struct{})
	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, progress engine.ProgressFunc, cancelled engine.CancelCheck) (*engine.Result, error) {
		progress(10, "simulating", "")
		close(started)
		for !cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, engine.ErrCancelled
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.worker.RunOne(ctx, domain.LaneNormal)
		assert.NoError(t, err)
	}()

	<-started
	// Only the record carries the flag; the broker key is gone.
	_, err := f.jobs.RequestCancel(ctx, j.ID)
	require.NoError(t, err)
	<-done

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestRunOne_RetryWithBackoff(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(time.Hour))
	ctx := context.Background()
	f.enqueue(t, "job-retry", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		return nil, errors.New("transient data source error")
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-retry")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.False(t, j.DeadLettered)

	queued, err := f.broker.Contains(ctx, domain.LaneNormal, "job-retry")
	require.NoError(t, err)
	assert.True(t, queued, "retry entry exists")

	_, ready, err := f.broker.Pop(ctx, domain.LaneNormal)
	require.NoError(t, err)
	assert.False(t, ready, "retry entry respects the backoff window")
}

func TestRunOne_RetryExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	f.enqueue(t, "job-dead", 0)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		return nil, errors.New("persistent failure")
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-dead")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.True(t, j.DeadLettered)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "persistent failure")

	parked, err := f.broker.Contains(ctx, domain.LaneDead, "job-dead")
	require.NoError(t, err)
	assert.True(t, parked)
}

func TestRunOne_FatalErrorSkipsRetryBudget(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	f.enqueue(t, "job-fatal", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		return nil, &engine.FatalError{Cause: errors.New("config names an unknown universe")}
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-fatal")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.True(t, j.DeadLettered)
	assert.Zero(t, j.RetryCount, "fatal errors never consume retries")
}

func TestRunOne_MemoryCeilingAbortsWithoutRetry(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	f.worker.cfg.MemoryCeilingBytes = 1 // any live heap exceeds this
	ctx := context.Background()
	f.enqueue(t, "job-mem", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, cancelled engine.CancelCheck) (*engine.Result, error) {
		for !cancelled() {
			time.Sleep(time.Millisecond)
		}
		return nil, engine.ErrCancelled
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-mem")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.True(t, j.DeadLettered, "ceiling violations would recur, no retry")
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "memory ceiling")
}

func TestRunOne_UnknownWorkloadFailsBeforeRunning(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	f.enqueue(t, "job-unknown", 3)
	// No engine registered.

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	j, err := f.jobs.Get(ctx, "job-unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	assert.Nil(t, j.StartedAt, "dependency-init failure never reaches running")
}

func TestRunOne_SkipsStaleEntry(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	j := f.enqueue(t, "job-stale", 3)

	// Cancelled after enqueue but the queue entry lingered.
	_, err := f.jobs.CancelPending(ctx, j.ID)
	require.NoError(t, err)

	ran, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)
	assert.True(t, ran, "entry is consumed")

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status, "record untouched")
}

func TestRunOne_PrincipalAtCapDefersEntry(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter(1)
	f.worker.limiter = limiter
	f.enqueue(t, "job-capped", 3)

	// Another of alice's jobs already holds the only slot.
	held, err := limiter.Acquire(ctx, "alice", "job-other")
	require.NoError(t, err)
	require.True(t, held)

	ran, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)
	assert.True(t, ran)

	j, err := f.jobs.Get(ctx, "job-capped")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, j.Status, "deferred, not executed")

	queued, err := f.broker.Contains(ctx, domain.LaneNormal, "job-capped")
	require.NoError(t, err)
	assert.True(t, queued, "entry is rescheduled")
}

func TestRunOne_ReleasesSlotAfterCompletion(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	limiter := ratelimit.NewMemoryLimiter(1)
	f.worker.limiter = limiter
	f.enqueue(t, "job-slot", 3)

	f.reg.Register("momentum-alpha", engineFunc(func(_ context.Context, _ *jobcfg.Config, _ engine.ProgressFunc, _ engine.CancelCheck) (*engine.Result, error) {
		return goodResult(), nil
	}))

	_, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)

	assert.Zero(t, limiter.ActiveCount("alice"), "slot freed at terminal state")
}

func TestRunOne_DropsEntryWithoutRecord(t *testing.T) {
	f := newFixture(t, backoff.NewConstant(0))
	ctx := context.Background()
	require.NoError(t, f.broker.Push(ctx, domain.LaneNormal, "ghost", time.Now().Add(-time.Second)))

	ran, err := f.worker.RunOne(ctx, domain.LaneNormal)
	require.NoError(t, err)
	assert.True(t, ran)

	queued, err := f.broker.Contains(ctx, domain.LaneNormal, "ghost")
	require.NoError(t, err)
	assert.False(t, queued)
}
