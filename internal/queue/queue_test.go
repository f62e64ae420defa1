package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/jobcfg"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/store"
	"github.com/yourorg/backrun/internal/store/memory"
)

func newService(t *testing.T) (*Service, *memory.Store, *lanes.MemoryBroker) {
	t.Helper()
	jobs := memory.New()
	broker := lanes.NewMemoryBroker()
	svc := New(jobs, broker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.sleep = func(time.Duration) {}
	return svc, jobs, broker
}

func sampleConfig() *jobcfg.Config {
	return &jobcfg.Config{
		Workload:  "momentum-alpha",
		StartDate: "2024-01-01",
		EndDate:   "2024-06-30",
		Variant:   "baseline",
		Params:    map[string]string{"universe": "sp500"},
	}
}

func TestSubmit_CreatesJobAndQueueEntry(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		Config: sampleConfig(), Principal: "alice", Lane: domain.LaneHigh,
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, domain.StatusPending, res.Status)
	assert.Equal(t, domain.LaneHigh, res.Lane)

	j, err := jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", j.Principal)
	assert.Equal(t, jobcfg.DefaultTimeout, j.Timeout)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)

	queued, err := broker.Contains(ctx, domain.LaneHigh, res.JobID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestSubmit_Idempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	second, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.False(t, second.Rerun)
}

func TestSubmit_PrincipalsDoNotCollide(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	b, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "bob"})
	require.NoError(t, err)
	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestSubmit_RejectsInvalidConfig(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	cfg := sampleConfig()
	cfg.EndDate = "2023-01-01" // before start
	_, err := svc.Submit(ctx, SubmitRequest{Config: cfg, Principal: "alice"})
	assert.True(t, domain.IsValidation(err))

	_, err = svc.Submit(ctx, SubmitRequest{
		Config: sampleConfig(), Principal: "alice", Timeout: 200 * time.Second,
	})
	assert.True(t, domain.IsValidation(err), "timeout below floor is rejected synchronously")

	_, err = svc.Submit(ctx, SubmitRequest{
		Config: sampleConfig(), Principal: "alice", Lane: domain.LaneDead,
	})
	assert.True(t, domain.IsValidation(err), "dead lane is not submittable")
}

func TestSubmit_RunningReturnedUnchanged(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	_, _, err = broker.Pop(ctx, domain.LaneNormal)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, res.JobID, uuid.New(), "w1")
	require.NoError(t, err)

	again, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, again.Status)
	assert.False(t, again.Created)
	assert.False(t, again.Healed)
}

func TestSubmit_TerminalRerun(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)

	exec := uuid.New()
	_, _, err = broker.Pop(ctx, domain.LaneNormal)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, res.JobID, exec, "w1")
	require.NoError(t, err)
	_, err = jobs.MarkRetry(ctx, res.JobID, exec, "transient")
	require.NoError(t, err)
	exec2 := uuid.New()
	_, err = jobs.MarkRunning(ctx, res.JobID, exec2, "w1")
	require.NoError(t, err)
	_, err = jobs.MarkCompleted(ctx, res.JobID, exec2, store.Completion{
		ResultPath: "/data/x",
		Repro:      domain.Repro{SnapshotID: "s", DatasetVersions: map[string]string{"p": "v1"}},
	})
	require.NoError(t, err)

	rerun, err := svc.Submit(ctx, SubmitRequest{
		Config: sampleConfig(), Principal: "alice", Rerun: true,
	})
	require.NoError(t, err)
	assert.True(t, rerun.Rerun)
	assert.Equal(t, domain.StatusPending, rerun.Status)

	j, err := jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Zero(t, j.RetryCount, "user re-run resets the retry counter")
	assert.Nil(t, j.Repro, "prior result fields are fully cleared")
	assert.Nil(t, j.ResultPath)

	queued, err := broker.Contains(ctx, domain.LaneNormal, res.JobID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestSubmit_HealsMissingEntry(t *testing.T) {
	svc, _, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)

	// Simulate a lost queue entry while the record stays pending.
	_, err = broker.Remove(ctx, domain.LaneNormal, res.JobID)
	require.NoError(t, err)

	again, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	assert.True(t, again.Healed)

	queued, err := broker.Contains(ctx, domain.LaneNormal, res.JobID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestSubmit_HealBudgetExhaustedForcesFailed(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)

	for i := 0; i < MaxHeals; i++ {
		_, err = broker.Remove(ctx, domain.LaneNormal, res.JobID)
		require.NoError(t, err)
		again, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
		require.NoError(t, err)
		assert.True(t, again.Healed, "heal %d stays inside the budget", i+1)
	}

	_, err = broker.Remove(ctx, domain.LaneNormal, res.JobID)
	require.NoError(t, err)
	final, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	assert.False(t, final.Healed)
	assert.Equal(t, domain.StatusFailed, final.Status)

	j, err := jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Contains(t, *j.ErrorMessage, "heal budget exhausted")
}

func TestCancel_PendingIsSynchronous(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, ok)

	j, err := jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, j.Status)

	queued, err := broker.Contains(ctx, domain.LaneNormal, res.JobID)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestCancel_RunningSetsCooperativeFlag(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	_, _, err = broker.Pop(ctx, domain.LaneNormal)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, res.JobID, uuid.New(), "w1")
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, ok)

	j, err := jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, j.Status, "running job cancels cooperatively, not here")
	assert.NotNil(t, j.CancelRequestedAt)

	set, err := broker.CancelRequested(ctx, res.JobID)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestCancel_TerminalRefused(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	exec := uuid.New()
	_, _, err = broker.Pop(ctx, domain.LaneNormal)
	require.NoError(t, err)
	_, err = jobs.MarkRunning(ctx, res.JobID, exec, "w1")
	require.NoError(t, err)
	_, err = jobs.MarkFailed(ctx, res.JobID, exec, "boom", false)
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStatus_PrefersFreshOverlay(t *testing.T) {
	svc, jobs, broker := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	exec := uuid.New()
	_, err = jobs.MarkRunning(ctx, res.JobID, exec, "w1")
	require.NoError(t, err)
	require.NoError(t, jobs.SyncProgress(ctx, res.JobID, exec, 30, "simulating"))
	require.NoError(t, broker.SetProgress(ctx, res.JobID, lanes.Progress{
		Percent: 37, Stage: "simulating", CurrentItem: "2024-04-12",
	}, time.Hour))

	st, err := svc.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.Equal(t, 37, st.ProgressPercent)
	assert.Equal(t, "2024-04-12", st.CurrentItem)
}

func TestGetStatus_FallsBackToCoarseRecord(t *testing.T) {
	svc, jobs, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	exec := uuid.New()
	_, err = jobs.MarkRunning(ctx, res.JobID, exec, "w1")
	require.NoError(t, err)
	require.NoError(t, jobs.SyncProgress(ctx, res.JobID, exec, 30, "simulating"))

	st, err := svc.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 30, st.ProgressPercent, "no overlay entry, coarse record wins")
	assert.Equal(t, "simulating", st.Stage)
}

func TestGetStatus_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestReconcile_HealsLostEntries(t *testing.T) {
	svc, _, broker := newService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	cfgB := sampleConfig()
	cfgB.Variant = "aggressive"
	_, err = svc.Submit(ctx, SubmitRequest{Config: cfgB, Principal: "alice"})
	require.NoError(t, err)

	_, err = broker.Remove(ctx, domain.LaneNormal, a.JobID)
	require.NoError(t, err)

	healed, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, healed, "only the lost entry is healed")

	queued, err := broker.Contains(ctx, domain.LaneNormal, a.JobID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestListJobs_FilterByPrincipal(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitRequest{Config: sampleConfig(), Principal: "bob"})
	require.NoError(t, err)

	got, err := svc.ListJobs(ctx, store.ListFilter{Principal: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Principal)
}
