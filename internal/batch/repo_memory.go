package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"studybatch/internal/shared/keylock"
)

// MemoryRepo stores jobs and results in memory.
type MemoryRepo struct {
	mu      sync.RWMutex
	jobs    map[string]Job
	results map[string]map[string]Result
	locks   *keylock.Set
	now     func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs:    make(map[string]Job),
		results: make(map[string]map[string]Result),
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the job and its pending results.
func (r *MemoryRepo) Create(ctx context.Context, job Job, results []Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	job.UpdatedAt = job.CreatedAt
	job.ChunkIDs = append([]string(nil), job.ChunkIDs...)
	r.jobs[job.ID] = job
	rows := make(map[string]Result, len(results))
	for _, res := range results {
		res.JobID = job.ID
		rows[res.ChunkID] = res
	}
	r.results[job.ID] = rows
	return nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	job.ChunkIDs = append([]string(nil), job.ChunkIDs...)
	return job, nil
}

// ListByProject returns the project's jobs, newest first.
func (r *MemoryRepo) ListByProject(ctx context.Context, projectID string) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Job, 0)
	for _, job := range r.jobs {
		if job.ProjectID == projectID {
			out = append(out, job)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListActive returns non-terminal jobs, oldest first.
func (r *MemoryRepo) ListActive(ctx context.Context, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Job, 0)
	for _, job := range r.jobs {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LockJob serializes holders of jobID across every user of this repo.
func (r *MemoryRepo) LockJob(ctx context.Context, jobID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.locks.Lock(jobID), nil
}

// Update overwrites mutable fields of a non-terminal job.
func (r *MemoryRepo) Update(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.Terminal() {
		return &JobTerminalError{JobID: job.ID, Status: stored.Status}
	}
	if job.Processed < stored.Processed {
		return ErrStaleProgress
	}
	stored.Status = job.Status
	stored.Processed = job.Processed
	stored.Failed = job.Failed
	stored.ActualCost = job.ActualCost
	stored.ProviderHandle = job.ProviderHandle
	stored.ProviderVersion = job.ProviderVersion
	stored.ErrorMessage = job.ErrorMessage
	stored.StartedAt = job.StartedAt
	stored.CompletedAt = job.CompletedAt
	stored.UpdatedAt = r.now()
	r.jobs[job.ID] = stored
	return nil
}

// ListResults returns the job's results ordered by chunk id.
func (r *MemoryRepo) ListResults(ctx context.Context, jobID string) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows, ok := r.results[jobID]
	if !ok {
		if _, exists := r.jobs[jobID]; !exists {
			return nil, ErrNotFound
		}
	}
	out := make([]Result, 0, len(rows))
	for _, res := range rows {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

// ApplyResult updates a non-terminal result row.
func (r *MemoryRepo) ApplyResult(ctx context.Context, result Result) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.results[result.JobID]
	if !ok {
		return false, ErrNotFound
	}
	existing, ok := rows[result.ChunkID]
	if !ok {
		return false, ErrNotFound
	}
	if existing.Status.Terminal() || existing.Status == result.Status {
		return false, nil
	}
	result.RetryCount = existing.RetryCount
	rows[result.ChunkID] = result
	return true, nil
}

// PriorAttempts counts results per chunk outside excludeJobID.
func (r *MemoryRepo) PriorAttempts(ctx context.Context, chunkIDs []string, excludeJobID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for jobID, rows := range r.results {
		if jobID == excludeJobID {
			continue
		}
		for chunkID := range rows {
			if wanted[chunkID] {
				out[chunkID]++
			}
		}
	}
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
