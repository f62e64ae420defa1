package queue

import (
	"context"
	"time"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/store"
)

// JobStatus is the client view of one job. Status and timestamps come
// from the metadata record, which is authoritative; progress and stage
// prefer the ephemeral overlay when it is fresh, falling back to the
// last coarse values synced into the record.
type JobStatus struct {
	JobID           string             `json:"job_id"`
	Workload        string             `json:"workload"`
	Principal       string             `json:"principal"`
	Lane            domain.Lane        `json:"lane"`
	Status          domain.Status      `json:"status"`
	ProgressPercent int                `json:"progress_percent"`
	Stage           string             `json:"stage,omitempty"`
	CurrentItem     string             `json:"current_item,omitempty"`
	RetryCount      int                `json:"retry_count"`
	DeadLettered    bool               `json:"dead_lettered,omitempty"`
	ErrorMessage    *string            `json:"error_message,omitempty"`
	ResultPath      *string            `json:"result_path,omitempty"`
	SummaryMetrics  map[string]float64 `json:"summary_metrics,omitempty"`
	Repro           *domain.Repro      `json:"repro,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// GetStatus returns the current view of a job.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		JobID:           j.ID,
		Workload:        j.Workload,
		Principal:       j.Principal,
		Lane:            j.Lane,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		Stage:           j.Stage,
		RetryCount:      j.RetryCount,
		DeadLettered:    j.DeadLettered,
		ErrorMessage:    j.ErrorMessage,
		ResultPath:      j.ResultPath,
		SummaryMetrics:  j.SummaryMetrics,
		Repro:           j.Repro,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}

	if j.Status == domain.StatusRunning {
		p, err := s.broker.GetProgress(ctx, j.ID)
		if err != nil {
			s.logger.Warn("status: progress overlay read failed",
				"job_id", j.ID, "err", err)
		} else if p != nil {
			if p.Percent > st.ProgressPercent {
				st.ProgressPercent = p.Percent
			}
			st.Stage = p.Stage
			st.CurrentItem = p.CurrentItem
		}
	}
	return st, nil
}

// ListJobs returns job summaries matching the filter, newest first.
func (s *Service) ListJobs(ctx context.Context, f store.ListFilter) ([]*JobStatus, error) {
	jobs, err := s.jobs.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return summarize(jobs), nil
}

// ListDeadLettered returns jobs parked on the dead-letter lane.
func (s *Service) ListDeadLettered(ctx context.Context, limit, offset int) ([]*JobStatus, error) {
	jobs, err := s.jobs.ListDeadLettered(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return summarize(jobs), nil
}

func summarize(jobs []*domain.Job) []*JobStatus {
	out := make([]*JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, &JobStatus{
			JobID:           j.ID,
			Workload:        j.Workload,
			Principal:       j.Principal,
			Lane:            j.Lane,
			Status:          j.Status,
			ProgressPercent: j.ProgressPercent,
			Stage:           j.Stage,
			RetryCount:      j.RetryCount,
			DeadLettered:    j.DeadLettered,
			ErrorMessage:    j.ErrorMessage,
			ResultPath:      j.ResultPath,
			CreatedAt:       j.CreatedAt,
			StartedAt:       j.StartedAt,
			CompletedAt:     j.CompletedAt,
		})
	}
	return out
}
