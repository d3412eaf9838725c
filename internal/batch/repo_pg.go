package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `id, project_id, owner_id, chunk_ids, status, total_chunks, processed_chunks, failed_chunks,
       estimated_cost, actual_cost, provider, provider_handle, provider_version, config, error_message,
       created_at, started_at, completed_at, updated_at`

const resultColumns = `job_id, chunk_id, status, tokens_in, tokens_out, cost, latency_ms, error_message,
       retry_count, completed_at`

const terminalJobStatuses = `('completato', 'fallito', 'annullato')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (Job, error) {
	var j Job
	var chunkIDs []byte
	var config []byte
	var status string
	var handle, version, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := s.Scan(
		&j.ID,
		&j.ProjectID,
		&j.OwnerID,
		&chunkIDs,
		&status,
		&j.Total,
		&j.Processed,
		&j.Failed,
		&j.EstimatedCost,
		&j.ActualCost,
		&j.Provider,
		&handle,
		&version,
		&config,
		&errorMessage,
		&j.CreatedAt,
		&startedAt,
		&completedAt,
		&j.UpdatedAt,
	); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	if len(chunkIDs) > 0 {
		if err := json.Unmarshal(chunkIDs, &j.ChunkIDs); err != nil {
			return Job{}, fmt.Errorf("decode chunk_ids: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &j.Config); err != nil {
			return Job{}, fmt.Errorf("decode config: %w", err)
		}
	}
	j.ProviderHandle = handle.String
	j.ProviderVersion = version.String
	j.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func scanResult(s rowScanner) (Result, error) {
	var r Result
	var status string
	var errorMessage sql.NullString
	var completedAt sql.NullTime
	if err := s.Scan(
		&r.JobID,
		&r.ChunkID,
		&status,
		&r.TokensIn,
		&r.TokensOut,
		&r.Cost,
		&r.LatencyMs,
		&errorMessage,
		&r.RetryCount,
		&completedAt,
	); err != nil {
		return Result{}, err
	}
	r.Status = ResultStatus(status)
	r.Error = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// Create inserts the job and its results in one transaction.
func (r *PGRepo) Create(ctx context.Context, job Job, results []Result) error {
	chunkIDs, err := json.Marshal(job.ChunkIDs)
	if err != nil {
		return err
	}
	config, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insertJob = `
INSERT INTO batch_jobs (
	id, project_id, owner_id, chunk_ids, status, total_chunks, processed_chunks, failed_chunks,
	estimated_cost, actual_cost, provider, provider_handle, provider_version, config, error_message,
	created_at, updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16, $16)`
	if _, err := tx.ExecContext(ctx, insertJob,
		job.ID,
		job.ProjectID,
		job.OwnerID,
		chunkIDs,
		string(job.Status),
		job.Total,
		job.Processed,
		job.Failed,
		job.EstimatedCost,
		job.ActualCost,
		job.Provider,
		nullString(job.ProviderHandle),
		nullString(job.ProviderVersion),
		config,
		nullString(job.ErrorMessage),
		job.CreatedAt,
	); err != nil {
		return err
	}

	if len(results) > 0 {
		var b strings.Builder
		b.WriteString(`INSERT INTO batch_results (job_id, chunk_id, status, retry_count) VALUES `)
		args := make([]any, 0, len(results)*4)
		for i, res := range results {
			if i > 0 {
				b.WriteString(", ")
			}
			n := i * 4
			fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
			args = append(args, job.ID, res.ChunkID, string(res.Status), res.RetryCount)
		}
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetByID returns a job by its ID.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// ListByProject returns the project's jobs, newest first.
func (r *PGRepo) ListByProject(ctx context.Context, projectID string) ([]Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
}

// ListActive returns non-terminal jobs, oldest first.
func (r *PGRepo) ListActive(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM batch_jobs
WHERE status NOT IN `+terminalJobStatuses+`
ORDER BY created_at ASC
LIMIT $1`, limit)
}

func (r *PGRepo) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// LockJob takes a transaction-scoped advisory lock on the job. Rolling back the transaction
// releases it, so the lock also ends when the connection drops.
func (r *PGRepo) LockJob(ctx context.Context, jobID string) (func(), error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "batch_job:"+jobID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lock batch job %s: %w", jobID, err)
	}
	return func() { _ = tx.Rollback() }, nil
}

// Update overwrites mutable fields of a non-terminal job whose progress does not move backwards.
func (r *PGRepo) Update(ctx context.Context, job Job) error {
	const query = `
UPDATE batch_jobs
SET status = $1,
    processed_chunks = $2,
    failed_chunks = $3,
    actual_cost = $4,
    provider_handle = $5,
    provider_version = $6,
    error_message = $7,
    started_at = $8,
    completed_at = $9,
    updated_at = now()
WHERE id = $10 AND processed_chunks <= $2 AND status NOT IN ` + terminalJobStatuses
	res, err := r.DB.ExecContext(ctx, query,
		string(job.Status),
		job.Processed,
		job.Failed,
		job.ActualCost,
		nullString(job.ProviderHandle),
		nullString(job.ProviderVersion),
		nullString(job.ErrorMessage),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	if err := r.DB.QueryRowContext(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, job.ID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if !JobStatus(status).Terminal() {
		return ErrStaleProgress
	}
	return &JobTerminalError{JobID: job.ID, Status: JobStatus(status)}
}

// ListResults returns the job's results ordered by chunk id.
func (r *PGRepo) ListResults(ctx context.Context, jobID string) ([]Result, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resultColumns+` FROM batch_results WHERE job_id = $1 ORDER BY chunk_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Result, 0)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ApplyResult updates a non-terminal result row. retry_count is fixed at creation.
func (r *PGRepo) ApplyResult(ctx context.Context, result Result) (bool, error) {
	const query = `
UPDATE batch_results
SET status = $1,
    tokens_in = $2,
    tokens_out = $3,
    cost = $4,
    latency_ms = $5,
    error_message = $6,
    completed_at = $7
WHERE job_id = $8 AND chunk_id = $9
  AND status NOT IN ('completato', 'fallito')
  AND status <> $1`
	res, err := r.DB.ExecContext(ctx, query,
		string(result.Status),
		result.TokensIn,
		result.TokensOut,
		result.Cost,
		result.LatencyMs,
		nullString(result.Error),
		nullTime(result.CompletedAt),
		result.JobID,
		result.ChunkID,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// PriorAttempts counts results per chunk outside excludeJobID.
func (r *PGRepo) PriorAttempts(ctx context.Context, chunkIDs []string, excludeJobID string) (map[string]int, error) {
	out := make(map[string]int)
	if len(chunkIDs) == 0 {
		return out, nil
	}
	query := `SELECT chunk_id, COUNT(*) FROM batch_results
WHERE job_id <> $1 AND chunk_id IN (` + placeholders(2, len(chunkIDs)) + `)
GROUP BY chunk_id`
	args := append([]any{excludeJobID}, stringArgs(chunkIDs)...)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var chunkID string
		var count int
		if err := rows.Scan(&chunkID, &count); err != nil {
			return nil, err
		}
		out[chunkID] = count
	}
	return out, rows.Err()
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Repo = (*PGRepo)(nil)
