package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storybook/internal/domain"
)

// JobStorePG implements domain.JobStore over PostgreSQL. All transitions are
// conditional updates so concurrent workers and the monitor never clobber a
// state they did not observe.
type JobStorePG struct {
	pool Pool
}

// NewJobStore creates a job store backed by PostgreSQL.
func NewJobStore(pool Pool) *JobStorePG {
	return &JobStorePG{pool: pool}
}

const jobColumns = `id, user_key, kind, status, progress, current_step, error_code, error_message, retry_count, idempotency_key, spec, regen, book_id, created_at, updated_at`

// Create inserts a queued job. A unique violation on the idempotency index
// maps to domain.ErrConflict so admission can re-probe for the winner.
func (r *JobStorePG) Create(ctx context.Context, job *domain.Job) error {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	var regenJSON []byte
	if job.Regen != nil {
		if regenJSON, err = json.Marshal(job.Regen); err != nil {
			return fmt.Errorf("marshal regen: %w", err)
		}
	}

	query := `
INSERT INTO jobs (id, user_key, kind, status, progress, current_step, retry_count, idempotency_key, spec, regen)
VALUES ($1, $2, $3, 'queued', 0, 'queued', 0, $4, $5, $6)
RETURNING created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, query,
		job.ID,
		job.UserKey,
		job.Kind,
		nullable(job.IdempotencyKey),
		specJSON,
		nullableBytes(regenJSON),
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrConflict
		}
		return err
	}
	job.Status = domain.JobStatusQueued
	job.Progress = 0
	job.CurrentStep = "queued"
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobStorePG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1;
`
	return scanJob(r.pool.QueryRow(ctx, query, jobID))
}

// GetByIdempotencyKey fetches the job previously admitted under the key.
func (r *JobStorePG) GetByIdempotencyKey(ctx context.Context, userKey, idemKey string) (*domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE user_key = $1 AND idempotency_key = $2;
`
	return scanJob(r.pool.QueryRow(ctx, query, userKey, idemKey))
}

// Claim moves queued -> running and returns the claimed job.
func (r *JobStorePG) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
UPDATE jobs
SET status = 'running', current_step = 'claimed', updated_at = NOW()
WHERE id = $1 AND status = 'queued'
RETURNING ` + jobColumns + `;
`
	job, err := scanJob(r.pool.QueryRow(ctx, query, jobID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// No queued row: distinguish a missing job from a lost claim race.
	if _, getErr := r.GetByID(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

// AdvanceProgress raises progress monotonically while the job is running.
// GREATEST keeps interleaved writers from ever regressing the value.
func (r *JobStorePG) AdvanceProgress(ctx context.Context, jobID string, progress int, step string) error {
	query := `
UPDATE jobs
SET progress = GREATEST(progress, $2), current_step = $3, updated_at = NOW()
WHERE id = $1 AND status = 'running';
`
	_, err := r.pool.Exec(ctx, query, jobID, progress, truncate(step, 120))
	return err
}

// Complete moves running -> done for jobs that finish without publishing a
// new book (page regeneration).
func (r *JobStorePG) Complete(ctx context.Context, jobID, bookID string) (bool, error) {
	query := `
UPDATE jobs
SET status = 'done', progress = 100, current_step = 'done', book_id = $2, updated_at = NOW()
WHERE id = $1 AND status = 'running';
`
	tag, err := r.pool.Exec(ctx, query, jobID, bookID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Fail moves queued|running -> failed and records the error.
func (r *JobStorePG) Fail(ctx context.Context, jobID string, code domain.ErrorCode, msg string) (bool, error) {
	query := `
UPDATE jobs
SET status = 'failed', error_code = $2, error_message = $3, current_step = 'failed', updated_at = NOW()
WHERE id = $1 AND status IN ('queued', 'running');
`
	tag, err := r.pool.Exec(ctx, query, jobID, string(code), truncate(msg, 300))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailIfUnchanged is Fail conditioned on the updated_at the monitor observed.
func (r *JobStorePG) FailIfUnchanged(ctx context.Context, jobID string, observed time.Time, code domain.ErrorCode, msg string) (bool, error) {
	query := `
UPDATE jobs
SET status = 'failed', error_code = $3, error_message = $4, current_step = 'failed', updated_at = NOW()
WHERE id = $1 AND status IN ('queued', 'running') AND updated_at = $2;
`
	tag, err := r.pool.Exec(ctx, query, jobID, observed, string(code), truncate(msg, 300))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueIfUnchanged moves running -> queued for a stalled job, keeping
// progress and bumping retry_count.
func (r *JobStorePG) RequeueIfUnchanged(ctx context.Context, jobID string, observed time.Time) (bool, error) {
	query := `
UPDATE jobs
SET status = 'queued', retry_count = retry_count + 1, current_step = 'requeued_after_stall', updated_at = NOW()
WHERE id = $1 AND status = 'running' AND updated_at = $2;
`
	tag, err := r.pool.Exec(ctx, query, jobID, observed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuckRunning returns running jobs whose last write predates before.
func (r *JobStorePG) ListStuckRunning(ctx context.Context, before time.Time) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'running' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT 100;
`
	return r.listJobs(ctx, query, before)
}

// ListSLABreached returns non-terminal jobs created before the deadline.
func (r *JobStorePG) ListSLABreached(ctx context.Context, before time.Time) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status IN ('queued', 'running') AND created_at < $1
ORDER BY created_at ASC
LIMIT 100;
`
	return r.listJobs(ctx, query, before)
}

// CountCreatedSince counts a user's jobs created at or after since.
func (r *JobStorePG) CountCreatedSince(ctx context.Context, userKey string, since time.Time) (int, error) {
	query := `
SELECT COUNT(*)
FROM jobs
WHERE user_key = $1 AND created_at >= $2;
`
	var n int
	if err := r.pool.QueryRow(ctx, query, userKey, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountActive counts queued plus running jobs across all users.
func (r *JobStorePG) CountActive(ctx context.Context) (int, error) {
	query := `
SELECT COUNT(*)
FROM jobs
WHERE status IN ('queued', 'running');
`
	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Metrics aggregates the monitor's health counters in one round trip.
func (r *JobStorePG) Metrics(ctx context.Context, now time.Time, stuckAfter time.Duration) (*domain.JobMetrics, error) {
	query := `
SELECT
    COUNT(*) FILTER (WHERE status = 'queued')                          AS queued,
    COUNT(*) FILTER (WHERE status = 'running')                         AS running,
    COUNT(*) FILTER (WHERE status = 'running' AND updated_at < $1)     AS stuck,
    COUNT(*) FILTER (WHERE status = 'done'   AND updated_at >= $2)     AS completed_last_hour,
    COUNT(*) FILTER (WHERE status = 'failed' AND updated_at >= $2)     AS failed_last_hour
FROM jobs;
`
	stuckBefore := now.Add(-stuckAfter)
	hourAgo := now.Add(-time.Hour)

	var m domain.JobMetrics
	row := r.pool.QueryRow(ctx, query, stuckBefore, hourAgo)
	if err := row.Scan(&m.Queued, &m.Running, &m.Stuck, &m.CompletedLastHour, &m.FailedLastHour); err != nil {
		return nil, err
	}
	total := m.CompletedLastHour + m.FailedLastHour
	if total == 0 {
		m.SuccessRate = 1.0
	} else {
		m.SuccessRate = float64(m.CompletedLastHour) / float64(total)
	}
	return &m, nil
}

func (r *JobStorePG) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		errCode   *string
		errMsg    *string
		idemKey   *string
		specJSON  []byte
		regenJSON []byte
		bookID    *string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserKey,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.CurrentStep,
		&errCode,
		&errMsg,
		&job.RetryCount,
		&idemKey,
		&specJSON,
		&regenJSON,
		&bookID,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if errCode != nil {
		job.ErrorCode = domain.ErrorCode(*errCode)
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if idemKey != nil {
		job.IdempotencyKey = *idemKey
	}
	if bookID != nil {
		job.BookID = *bookID
	}
	if len(specJSON) > 0 {
		if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec: %w", err)
		}
	}
	if len(regenJSON) > 0 {
		job.Regen = &domain.RegenSpec{}
		if err := json.Unmarshal(regenJSON, job.Regen); err != nil {
			return nil, fmt.Errorf("unmarshal regen: %w", err)
		}
	}
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
