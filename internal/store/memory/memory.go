// Package memory provides an in-process Jobs store for unit tests.
// Transition semantics mirror the Postgres implementation exactly: the
// tests that run against this store are exercising the same fencing
// rules the production SQL enforces.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/store"
)

type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	// Now is injectable so tests can advance time.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		Now:  time.Now,
	}
}

func (s *Store) Create(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return domain.ErrJobAlreadyExists
	}
	now := s.Now()
	c := cloneJob(j)
	c.CreatedAt = now
	c.UpdatedAt = now
	s.jobs[j.ID] = c
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) List(_ context.Context, f store.ListFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if f.Principal != "" && j.Principal != f.Principal {
			continue
		}
		if f.Workload != "" && j.Workload != f.Workload {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *Store) ListDeadLettered(_ context.Context, limit, offset int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.DeadLettered {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *Store) MarkRunning(_ context.Context, id string, execID uuid.UUID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusPending {
		return false, nil
	}
	now := s.Now()
	j.Status = domain.StatusRunning
	j.WorkerID = &workerID
	j.CurrentExecutionID = &execID
	j.StartedAt = &now
	j.HeartbeatAt = &now
	s.touch(j)
	return true, nil
}

func (s *Store) MarkCompleted(_ context.Context, id string, execID uuid.UUID, c store.Completion) (bool, error) {
	if !c.Repro.Valid() {
		return false, domain.ErrMissingRepro
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return false, nil
	}
	now := s.Now()
	repro := c.Repro
	j.Status = domain.StatusCompleted
	j.CompletedAt = &now
	j.ResultPath = &c.ResultPath
	j.SummaryMetrics = maps.Clone(c.Metrics)
	j.Repro = &repro
	j.ProgressPercent = 100
	j.Stage = ""
	s.release(j)
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id string, execID uuid.UUID, errMsg string, deadLettered bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return false, nil
	}
	now := s.Now()
	j.Status = domain.StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = &errMsg
	j.DeadLettered = deadLettered
	s.release(j)
	return true, nil
}

func (s *Store) MarkCancelled(_ context.Context, id string, execID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return false, nil
	}
	now := s.Now()
	// Progress is preserved so the UI can show "cancelled at 63%".
	j.Status = domain.StatusCancelled
	j.CompletedAt = &now
	j.ErrorMessage = nil
	s.release(j)
	return true, nil
}

func (s *Store) MarkRetry(_ context.Context, id string, execID uuid.UUID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return false, nil
	}
	j.Status = domain.StatusPending
	j.RetryCount++
	j.ErrorMessage = &errMsg
	j.StartedAt = nil
	j.HeartbeatAt = nil
	s.release(j)
	return true, nil
}

func (s *Store) CancelPending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusPending {
		return false, nil
	}
	now := s.Now()
	j.Status = domain.StatusCancelled
	j.CompletedAt = &now
	s.touch(j)
	return true, nil
}

func (s *Store) RequestCancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusRunning || j.CancelRequestedAt != nil {
		return false, nil
	}
	now := s.Now()
	j.CancelRequestedAt = &now
	s.touch(j)
	return true, nil
}

func (s *Store) ForceFail(_ context.Context, id string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	now := s.Now()
	j.Status = domain.StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = &errMsg
	s.release(j)
	return true, nil
}

func (s *Store) ResetForRerun(_ context.Context, id string, resetRetries bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !j.Status.Terminal() {
		return false, nil
	}
	j.Status = domain.StatusPending
	j.ProgressPercent = 0
	j.Stage = ""
	j.ErrorMessage = nil
	j.ResultPath = nil
	j.SummaryMetrics = nil
	j.Repro = nil
	j.DeadLettered = false
	j.StartedAt = nil
	j.CompletedAt = nil
	j.HeartbeatAt = nil
	j.CancelRequestedAt = nil
	j.WorkerID = nil
	j.CurrentExecutionID = nil
	if resetRetries {
		j.RetryCount = 0
		j.HealCount = 0
		j.HealWindowStart = nil
	}
	s.touch(j)
	return true, nil
}

func (s *Store) SyncProgress(_ context.Context, id string, execID uuid.UUID, percent int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return nil
	}
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}
	j.Stage = stage
	s.touch(j)
	return nil
}

func (s *Store) Heartbeat(_ context.Context, id string, execID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fenced(id, execID)
	if !ok {
		return nil
	}
	now := s.Now()
	j.HeartbeatAt = &now
	s.touch(j)
	return nil
}

func (s *Store) RecordHeal(_ context.Context, id string, window time.Duration, maxHeals int) (store.HealDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.HealExhausted, domain.ErrJobNotFound
	}
	now := s.Now()
	if j.HealWindowStart == nil || now.Sub(*j.HealWindowStart) > window {
		start := now
		j.HealWindowStart = &start
		j.HealCount = 0
	}
	if j.HealCount >= maxHeals {
		return store.HealExhausted, nil
	}
	j.HealCount++
	s.touch(j)
	return store.HealAllowed, nil
}

func (s *Store) ListRunning(_ context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.StatusRunning {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) ListPending(_ context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.StatusPending {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return paginate(out, limit, 0), nil
}

func (s *Store) TerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		last := j.UpdatedAt
		if j.CompletedAt != nil {
			last = *j.CompletedAt
		}
		if last.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *Store) TryLeaderLock(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// fenced returns the job only when it is running under the given
// execution. Callers must hold s.mu.
func (s *Store) fenced(id string, execID uuid.UUID) (*domain.Job, bool) {
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusRunning {
		return nil, false
	}
	if j.CurrentExecutionID == nil || *j.CurrentExecutionID != execID {
		return nil, false
	}
	return j, true
}

// release clears the worker assignment after a transition out of running.
// Callers must hold s.mu.
func (s *Store) release(j *domain.Job) {
	j.WorkerID = nil
	j.CurrentExecutionID = nil
	s.touch(j)
}

func (s *Store) touch(j *domain.Job) {
	j.UpdatedAt = s.Now()
	j.StateVersion++
}

func paginate(jobs []*domain.Job, limit, offset int) []*domain.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Config = append([]byte(nil), j.Config...)
	c.SummaryMetrics = maps.Clone(j.SummaryMetrics)
	if j.Repro != nil {
		r := *j.Repro
		r.DatasetVersions = maps.Clone(j.Repro.DatasetVersions)
		c.Repro = &r
	}
	c.WorkerID = clonePtr(j.WorkerID)
	c.CurrentExecutionID = clonePtr(j.CurrentExecutionID)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.ResultPath = clonePtr(j.ResultPath)
	c.HealWindowStart = clonePtr(j.HealWindowStart)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.HeartbeatAt = clonePtr(j.HeartbeatAt)
	c.CancelRequestedAt = clonePtr(j.CancelRequestedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
