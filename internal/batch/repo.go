package batch

import "context"

// Repo persists batch jobs and their per-chunk results.
type Repo interface {
	// Create stores a new job together with one pending result per member chunk.
	Create(ctx context.Context, job Job, results []Result) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	ListByProject(ctx context.Context, projectID string) ([]Job, error)
	// ListActive returns non-terminal jobs, oldest first.
	ListActive(ctx context.Context, limit int) ([]Job, error)
	// LockJob blocks until it holds the job's lock across every process sharing the store.
	// The returned func releases it.
	LockJob(ctx context.Context, jobID string) (func(), error)
	// Update overwrites mutable job fields. It returns a JobTerminalError when the stored job is
	// terminal and ErrStaleProgress when the stored job has more processed chunks than job.
	Update(ctx context.Context, job Job) error
	ListResults(ctx context.Context, jobID string) ([]Result, error)
	// ApplyResult writes result over the stored (job, chunk) row unless that row is already terminal.
	// It reports whether the row changed.
	ApplyResult(ctx context.Context, result Result) (bool, error)
	// PriorAttempts counts results for each chunk in jobs other than excludeJobID.
	PriorAttempts(ctx context.Context, chunkIDs []string, excludeJobID string) (map[string]int, error)
}
