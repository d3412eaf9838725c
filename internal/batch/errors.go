package batch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound            = errors.New("batch job not found")
	ErrValidation          = errors.New("validation error")
	ErrChunkAlreadyQueued  = errors.New("chunk already queued")
	ErrJobTerminal         = errors.New("batch job is terminal")
	ErrProviderUnavailable = errors.New("batch provider unavailable")
	ErrProviderRejected    = errors.New("batch provider rejected submission")
	// ErrStaleProgress reports an Update carrying fewer processed chunks than the stored job.
	ErrStaleProgress = errors.New("batch job progress is newer than this update")
)

// ValidationError reports bad submit input. No state changed.
type ValidationError struct {
	Field    string
	Reason   string
	ChunkIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.ChunkIDs) == 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Reason, strings.Join(e.ChunkIDs, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ChunkAlreadyQueuedError reports a selection overlapping chunks held by an active job.
type ChunkAlreadyQueuedError struct {
	ChunkIDs []string
	// JobIDs maps chunk id to the active job holding it.
	JobIDs map[string]string
}

func (e *ChunkAlreadyQueuedError) Error() string {
	return fmt.Sprintf("chunks already queued in an active job: %s", strings.Join(e.ChunkIDs, ", "))
}

func (e *ChunkAlreadyQueuedError) Is(target error) bool { return target == ErrChunkAlreadyQueued }

// ProviderUnavailableError is a transient provider failure. No local state changed.
type ProviderUnavailableError struct {
	Op  string
	Err error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s: provider unavailable: %v", e.Op, e.Err)
}

func (e *ProviderUnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ProviderRejectedError is a permanent refusal of a submission. The job is fallito and its
// chunks were returned to pronto.
type ProviderRejectedError struct {
	JobID    string
	Reason   string
	ChunkIDs []string
	Err      error
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("job %s rejected by provider: %s", e.JobID, e.Reason)
}

func (e *ProviderRejectedError) Is(target error) bool { return target == ErrProviderRejected }

func (e *ProviderRejectedError) Unwrap() error { return e.Err }

// JobTerminalError is returned when a mutation targets a completed, failed or cancelled job.
type JobTerminalError struct {
	JobID  string
	Status JobStatus
}

func (e *JobTerminalError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Status)
}

func (e *JobTerminalError) Is(target error) bool { return target == ErrJobTerminal }

// PartialFailure summarizes a terminal job in which some chunks failed and others succeeded.
// It is informational and never returned as an error from reconcile.
type PartialFailure struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("%d chunks completed, %d chunks failed", len(p.Completed), len(p.Failed))
}

// PartialFailureOf returns a PartialFailure when results mix successes and failures.
func PartialFailureOf(results []Result) *PartialFailure {
	pf := &PartialFailure{}
	for _, r := range results {
		switch r.Status {
		case ResultCompleted:
			pf.Completed = append(pf.Completed, r.ChunkID)
		case ResultFailed:
			pf.Failed = append(pf.Failed, r.ChunkID)
		}
	}
	if len(pf.Completed) == 0 || len(pf.Failed) == 0 {
		return nil
	}
	sort.Strings(pf.Completed)
	sort.Strings(pf.Failed)
	return pf
}
