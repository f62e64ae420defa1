package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/store"
)

// watchdogLockKey is the PostgreSQL advisory lock key for watchdog
// election. Only one watchdog wins the lock across the cluster.
const watchdogLockKey = int64(0x57444F47)

// Store implements store.Jobs on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// jobColumns is the canonical column list for scanJob. The order must
// match the Scan call exactly.
const jobColumns = `
	id, workload, principal, lane, config, status,
	progress_percent, stage, timeout_seconds, retry_count, max_retries,
	heal_count, heal_window_start, worker_id, current_execution_id,
	error_message, result_path,
	COALESCE(summary_metrics, 'null'::jsonb),
	snapshot_id,
	COALESCE(dataset_versions, 'null'::jsonb),
	dead_lettered, cancel_requested_at,
	created_at, started_at, completed_at, heartbeat_at, updated_at,
	state_version`

func scanJob(row pgx.Row) (*domain.Job, error) {
	j := &domain.Job{}
	var (
		status          string
		lane            string
		timeoutSecs     int64
		snapshotID      *string
		datasetVersions map[string]string
	)
	err := row.Scan(
		&j.ID,
		&j.Workload,
		&j.Principal,
		&lane,
		&j.Config,
		&status,
		&j.ProgressPercent,
		&j.Stage,
		&timeoutSecs,
		&j.RetryCount,
		&j.MaxRetries,
		&j.HealCount,
		&j.HealWindowStart,
		&j.WorkerID,
		&j.CurrentExecutionID,
		&j.ErrorMessage,
		&j.ResultPath,
		&j.SummaryMetrics,
		&snapshotID,
		&datasetVersions,
		&j.DeadLettered,
		&j.CancelRequestedAt,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
		&j.HeartbeatAt,
		&j.UpdatedAt,
		&j.StateVersion,
	)
	if err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	j.Lane = domain.Lane(lane)
	j.Timeout = time.Duration(timeoutSecs) * time.Second
	if snapshotID != nil {
		j.Repro = &domain.Repro{
			SnapshotID:      *snapshotID,
			DatasetVersions: datasetVersions,
		}
	}
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, j *domain.Job) error {
	result, err := s.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, workload, principal, lane, config, status,
			 timeout_seconds, max_retries, state_version)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, 0)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Workload, j.Principal, string(j.Lane), j.Config,
		int64(j.Timeout/time.Second), j.MaxRetries)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrJobAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return j, err
}

func (s *Store) List(ctx context.Context, f store.ListFilter) ([]*domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	if f.Principal != "" {
		args = append(args, f.Principal)
		conds = append(conds, fmt.Sprintf("principal = $%d", len(args)))
	}
	if f.Workload != "" {
		args = append(args, f.Workload)
		conds = append(conds, fmt.Sprintf("workload = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	sql := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) ListDeadLettered(ctx context.Context, limit, offset int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dead_lettered
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) MarkRunning(ctx context.Context, id string, execID uuid.UUID, workerID string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'running',
			worker_id            = $2,
			current_execution_id = $3,
			started_at           = NOW(),
			heartbeat_at         = NOW(),
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status = 'pending'`, id, workerID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string, execID uuid.UUID, c store.Completion) (bool, error) {
	if !c.Repro.Valid() {
		return false, domain.ErrMissingRepro
	}
	metrics, err := json.Marshal(c.Metrics)
	if err != nil {
		return false, fmt.Errorf("marshal metrics: %w", err)
	}
	versions, err := json.Marshal(c.Repro.DatasetVersions)
	if err != nil {
		return false, fmt.Errorf("marshal dataset versions: %w", err)
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'completed',
			progress_percent     = 100,
			stage                = '',
			result_path          = $3,
			summary_metrics      = $4,
			snapshot_id          = $5,
			dataset_versions     = $6,
			completed_at         = NOW(),
			worker_id            = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`,
		id, execID, c.ResultPath, metrics, c.Repro.SnapshotID, versions)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, execID uuid.UUID, errMsg string, deadLettered bool) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'failed',
			error_message        = $3,
			dead_lettered        = $4,
			completed_at         = NOW(),
			worker_id            = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`, id, execID, errMsg, deadLettered)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) MarkCancelled(ctx context.Context, id string, execID uuid.UUID) (bool, error) {
	// progress_percent is left as-is so the record shows where the run
	// was stopped.
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'cancelled',
			error_message        = NULL,
			completed_at         = NOW(),
			worker_id            = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`, id, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) MarkRetry(ctx context.Context, id string, execID uuid.UUID, errMsg string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'pending',
			retry_count          = retry_count + 1,
			error_message        = $3,
			started_at           = NULL,
			heartbeat_at         = NULL,
			worker_id            = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`, id, execID, errMsg)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) CancelPending(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = 'cancelled',
			completed_at  = NOW(),
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $1
		  AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			cancel_requested_at = NOW(),
			state_version       = state_version + 1,
			updated_at          = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND cancel_requested_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) ForceFail(ctx context.Context, id string, errMsg string) (bool, error) {
	// No execution fence: the watchdog calls this precisely when the
	// owning worker stopped answering, and the heal path calls it on
	// pending jobs whose heal budget ran out. The status guard still
	// protects terminal rows.
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'failed',
			error_message        = $2,
			completed_at         = NOW(),
			worker_id            = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status IN ('pending', 'running')`, id, errMsg)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) ResetForRerun(ctx context.Context, id string, resetRetries bool) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status               = 'pending',
			progress_percent     = 0,
			stage                = '',
			error_message        = NULL,
			result_path          = NULL,
			summary_metrics      = NULL,
			snapshot_id          = NULL,
			dataset_versions     = NULL,
			dead_lettered        = FALSE,
			started_at           = NULL,
			completed_at         = NULL,
			heartbeat_at         = NULL,
			cancel_requested_at  = NULL,
			worker_id            = NULL,
			current_execution_id = NULL,
			retry_count          = CASE WHEN $2 THEN 0 ELSE retry_count END,
			heal_count           = CASE WHEN $2 THEN 0 ELSE heal_count END,
			heal_window_start    = CASE WHEN $2 THEN NULL ELSE heal_window_start END,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND status IN ('completed', 'failed', 'cancelled')`, id, resetRetries)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) SyncProgress(ctx context.Context, id string, execID uuid.UUID, percent int, stage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			progress_percent = GREATEST(progress_percent, $3),
			stage            = $4,
			state_version    = state_version + 1,
			updated_at       = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`, id, execID, percent, stage)
	return err
}

func (s *Store) Heartbeat(ctx context.Context, id string, execID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			heartbeat_at = NOW(),
			updated_at   = NOW()
		WHERE id = $1
		  AND status = 'running'
		  AND current_execution_id = $2`, id, execID)
	return err
}

func (s *Store) RecordHeal(ctx context.Context, id string, window time.Duration, maxHeals int) (store.HealDecision, error) {
	// Restart a lapsed window first, then try to claim a slot. Both
	// statements are guarded so concurrent healers cannot exceed the cap.
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			heal_count        = 0,
			heal_window_start = NOW(),
			updated_at        = NOW()
		WHERE id = $1
		  AND (heal_window_start IS NULL
		       OR heal_window_start < NOW() - ($2 * interval '1 second'))`,
		id, int64(window/time.Second))
	if err != nil {
		return store.HealExhausted, err
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			heal_count    = heal_count + 1,
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $1
		  AND heal_count < $2`, id, maxHeals)
	if err != nil {
		return store.HealExhausted, err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return store.HealExhausted, err
		}
		if !exists {
			return store.HealExhausted, domain.ErrJobNotFound
		}
		return store.HealExhausted, nil
	}
	return store.HealAllowed, nil
}

func (s *Store) ListRunning(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running'
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND COALESCE(completed_at, updated_at) < $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// TryLeaderLock competes for the watchdog advisory lock. The lock is
// held on a dedicated connection so it auto-releases if the process
// crashes; release returns the connection to the pool.
func (s *Store) TryLeaderLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var won bool
	err = conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock($1)`, watchdogLockKey).Scan(&won)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !won {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		//nolint:errcheck
		conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock($1)`, watchdogLockKey)
		conn.Release()
	}
	return release, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
