package batch

import "time"

// JobStatus is the lifecycle state of a BatchJob.
type JobStatus string

const (
	JobQueued     JobStatus = "in_coda"
	JobProcessing JobStatus = "elaborazione"
	JobCompleted  JobStatus = "completato"
	JobFailed     JobStatus = "fallito"
	JobCancelled  JobStatus = "annullato"
)

// Terminal reports whether the job is an immutable audit record.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ResultStatus is the per-chunk outcome state inside a job.
type ResultStatus string

const (
	ResultPending    ResultStatus = "in_attesa"
	ResultProcessing ResultStatus = "elaborazione"
	ResultCompleted  ResultStatus = "completato"
	ResultFailed     ResultStatus = "fallito"
)

// Terminal reports whether the result has been applied.
func (s ResultStatus) Terminal() bool {
	return s == ResultCompleted || s == ResultFailed
}

// Config carries provider parameters for a submission.
type Config struct {
	Model             string   `json:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokensPerChunk int      `json:"maxTokensPerChunk,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
}

// Job is a group of chunks submitted together to the batch provider.
type Job struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	OwnerID         string     `json:"ownerId"`
	ChunkIDs        []string   `json:"chunkIds"`
	Status          JobStatus  `json:"status"`
	Total           int        `json:"totalChunks"`
	Processed       int        `json:"processedChunks"`
	Failed          int        `json:"failedChunks"`
	EstimatedCost   float64    `json:"estimatedCost"`
	ActualCost      float64    `json:"actualCost"`
	Provider        string     `json:"provider"`
	ProviderHandle  string     `json:"providerHandle,omitempty"`
	ProviderVersion string     `json:"-"`
	Config          Config     `json:"config"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ProgressPercentage is processed/total*100 rounded down.
func (j Job) ProgressPercentage() int {
	if j.Total <= 0 {
		return 0
	}
	return j.Processed * 100 / j.Total
}

// IsStale reports whether an active job has been running longer than after.
func (j Job) IsStale(now time.Time, after time.Duration) bool {
	if j.Status.Terminal() || after <= 0 {
		return false
	}
	started := j.CreatedAt
	if j.StartedAt != nil {
		started = *j.StartedAt
	}
	return now.Sub(started) > after
}

// Result is the outcome of one chunk within one job.
type Result struct {
	JobID       string       `json:"jobId"`
	ChunkID     string       `json:"chunkId"`
	Status      ResultStatus `json:"status"`
	TokensIn    int          `json:"tokensIn"`
	TokensOut   int          `json:"tokensOut"`
	Cost        float64      `json:"cost"`
	LatencyMs   int64        `json:"latencyMs"`
	Error       string       `json:"error,omitempty"`
	RetryCount  int          `json:"retryCount"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// View is the response shape for a job read.
type View struct {
	Job                Job      `json:"job"`
	ProgressPercentage int      `json:"progress_percentage"`
	Stale              bool     `json:"stale"`
	Results            []Result `json:"results,omitempty"`
	CompletedChunks    []string `json:"completed_chunks"`
	FailedChunks       []string `json:"failed_chunks"`
}
