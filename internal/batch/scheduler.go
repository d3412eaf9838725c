package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"studybatch/internal/chunks"
	"studybatch/internal/projects"
	"studybatch/internal/provider"
	"studybatch/internal/shared/keylock"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/telemetry"
)

const (
	defaultStaleAfter    = 24 * time.Hour
	maxChunksPerJob      = 500
	cancelledMessage     = "cancelled"
	rejectedMessage      = "submission rejected by provider"
	unavailableMessage   = "submission failed: provider unavailable"
	persistFailedMessage = "submission failed: provider handle could not be stored"
	approxCharsPerToken  = 4
)

// ChunkQueue is what the scheduler may do to chunks: read them and move them in or out of in_coda.
type ChunkQueue interface {
	chunks.Reader
	chunks.QueueWriter
}

// ProjectGate authorizes work against a project.
type ProjectGate interface {
	RequireActive(ctx context.Context, projectID, ownerID string) (projects.Project, error)
	Touch(ctx context.Context, projectID string) error
}

// ReconcileQueue schedules an asynchronous reconcile for a job.
type ReconcileQueue interface {
	EnqueueReconcile(ctx context.Context, jobID string) error
}

// SubmitInput is a chunk selection to submit as one job.
type SubmitInput struct {
	ProjectID string
	OwnerID   string
	ChunkIDs  []string
	Config    Config
}

// Scheduler owns the BatchJob lifecycle up to provider acceptance, and cancellation.
type Scheduler struct {
	Jobs     Repo
	Chunks   ChunkQueue
	Provider provider.Client
	Projects ProjectGate
	// Queue is optional; without it jobs are only reconciled on demand or by the sweep worker.
	Queue ReconcileQueue

	CostPer1KInput  float64
	CostPer1KOutput float64
	StaleAfter      time.Duration

	locks           *keylock.Set
	now             func() time.Time
	newID           func() string
	persistAttempts uint
	persistDelay    time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(jobs Repo, chunkQueue ChunkQueue, client provider.Client, gate ProjectGate) *Scheduler {
	return &Scheduler{
		Jobs:       jobs,
		Chunks:     chunkQueue,
		Provider:   client,
		Projects:   gate,
		StaleAfter: defaultStaleAfter,
		locks:      keylock.New(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,

		persistAttempts: 3,
		persistDelay:    200 * time.Millisecond,
	}
}

// Submit validates the selection, reserves the chunks, records the job and hands it to the provider.
// On a provider refusal the job ends fallito and the chunks return to pronto.
func (s *Scheduler) Submit(ctx context.Context, in SubmitInput) (Job, error) {
	ids, err := normalizeSelection(in.ChunkIDs)
	if err != nil {
		return Job{}, err
	}
	if err := validateConfig(in.Config); err != nil {
		return Job{}, err
	}
	if _, err := s.Projects.RequireActive(ctx, in.ProjectID, in.OwnerID); err != nil {
		if errors.Is(err, projects.ErrNotActive) {
			return Job{}, &ValidationError{Field: "project_id", Reason: "project is not active"}
		}
		return Job{}, err
	}

	selected, err := s.Chunks.GetMany(ctx, ids)
	if err != nil {
		return Job{}, err
	}
	if err := checkSelection(in.ProjectID, ids, selected); err != nil {
		return Job{}, err
	}

	jobID := s.newID()
	unlock := s.locks.Lock(jobID)
	defer unlock()
	if err := s.Chunks.Reserve(ctx, in.ProjectID, jobID, ids); err != nil {
		var resErr *chunks.ReservationError
		if errors.As(err, &resErr) {
			return Job{}, reservationFailure(resErr)
		}
		return Job{}, err
	}

	job, err := s.record(ctx, jobID, in, ids, selected)
	if err != nil {
		s.release(ctx, jobID, ids)
		return Job{}, err
	}

	items := make([]provider.Item, 0, len(selected))
	for _, c := range sortedByOrder(selected) {
		items = append(items, provider.Item{CustomID: c.ID, Title: c.Title, Content: c.Content})
	}
	handle, err := s.Provider.Submit(ctx, provider.SubmitRequest{
		JobID: jobID,
		Items: items,
		Config: provider.Config{
			Model:        in.Config.Model,
			Temperature:  in.Config.Temperature,
			MaxTokens:    in.Config.MaxTokensPerChunk,
			Instructions: in.Config.Instructions,
		},
	})
	if err != nil {
		return s.compensate(ctx, job, err)
	}

	started := s.now()
	job.ProviderHandle = handle
	job.Status = JobProcessing
	job.StartedAt = &started
	if err := s.persistHandle(ctx, job); err != nil {
		telemetry.Error("batch.submit.persist_handle_failed", map[string]any{
			"request_id":      telemetry.RequestID(ctx),
			"job_id":          jobID,
			"provider_handle": handle,
			"err":             err,
		})
		if cancelErr := s.Provider.Cancel(ctx, handle); cancelErr != nil {
			telemetry.Error("batch.submit.orphan_cancel_failed", map[string]any{
				"job_id":          jobID,
				"provider_handle": handle,
				"err":             cancelErr,
			})
		}
		job.ProviderHandle = ""
		job.Status = JobQueued
		job.StartedAt = nil
		s.rollback(ctx, job, persistFailedMessage, err)
		return Job{}, fmt.Errorf("store provider handle for job %s: %w", jobID, err)
	}

	metrics.IncJobsSubmitted()
	telemetry.StatusTransition("job", jobID, string(JobQueued), string(JobProcessing), map[string]any{
		"request_id":      telemetry.RequestID(ctx),
		"project_id":      in.ProjectID,
		"provider":        s.Provider.Name(),
		"provider_handle": handle,
		"total_chunks":    job.Total,
	})

	if err := s.Projects.Touch(ctx, in.ProjectID); err != nil {
		telemetry.Error("project.touch_failed", map[string]any{"project_id": in.ProjectID, "err": err})
	}
	if s.Queue != nil {
		if err := s.Queue.EnqueueReconcile(ctx, jobID); err != nil {
			telemetry.Error("batch.enqueue_reconcile_failed", map[string]any{"job_id": jobID, "err": err})
		}
	}
	return job, nil
}

// record persists the job in in_coda with one pending result per chunk.
func (s *Scheduler) record(ctx context.Context, jobID string, in SubmitInput, ids []string, selected []chunks.Chunk) (Job, error) {
	prior, err := s.Jobs.PriorAttempts(ctx, ids, jobID)
	if err != nil {
		return Job{}, err
	}
	job := Job{
		ID:            jobID,
		ProjectID:     in.ProjectID,
		OwnerID:       in.OwnerID,
		ChunkIDs:      ids,
		Status:        JobQueued,
		Total:         len(ids),
		EstimatedCost: s.estimateCost(selected, in.Config),
		Provider:      s.Provider.Name(),
		Config:        in.Config,
		CreatedAt:     s.now(),
	}
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, Result{JobID: jobID, ChunkID: id, Status: ResultPending, RetryCount: prior[id]})
	}
	if err := s.Jobs.Create(ctx, job, results); err != nil {
		return Job{}, err
	}
	telemetry.Info("batch.submit", map[string]any{
		"request_id":     telemetry.RequestID(ctx),
		"job_id":         jobID,
		"project_id":     in.ProjectID,
		"total_chunks":   job.Total,
		"estimated_cost": job.EstimatedCost,
	})
	return job, nil
}

// persistHandle stores the accepted job, retrying transient store failures.
func (s *Scheduler) persistHandle(ctx context.Context, job Job) error {
	return retry.Do(
		func() error { return s.Jobs.Update(ctx, job) },
		retry.Context(ctx),
		retry.Attempts(s.persistAttempts),
		retry.Delay(s.persistDelay),
		retry.RetryIf(func(err error) bool {
			var terminal *JobTerminalError
			return !errors.As(err, &terminal) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStaleProgress)
		}),
		retry.LastErrorOnly(true),
	)
}

// compensate closes a job the provider did not accept and frees its chunks.
func (s *Scheduler) compensate(ctx context.Context, job Job, submitErr error) (Job, error) {
	message := unavailableMessage
	if errors.Is(submitErr, provider.ErrRejected) {
		message = rejectedMessage
	}
	s.rollback(ctx, job, message, submitErr)
	metrics.IncJobsRejected()

	if errors.Is(submitErr, provider.ErrRejected) {
		return Job{}, &ProviderRejectedError{JobID: job.ID, Reason: submitErr.Error(), ChunkIDs: job.ChunkIDs, Err: submitErr}
	}
	return Job{}, &ProviderUnavailableError{Op: "submit", Err: submitErr}
}

// rollback fails every result of an in_coda job, ends the job fallito and frees its chunks.
// Store errors are logged; the chunk release runs regardless.
func (s *Scheduler) rollback(ctx context.Context, job Job, message string, cause error) {
	completed := s.now()
	for _, id := range job.ChunkIDs {
		if _, err := s.Jobs.ApplyResult(ctx, Result{
			JobID:       job.ID,
			ChunkID:     id,
			Status:      ResultFailed,
			Error:       message,
			CompletedAt: &completed,
		}); err != nil {
			telemetry.Error("batch.compensate.result_failed", map[string]any{"job_id": job.ID, "chunk_id": id, "err": err})
		}
	}
	job.Status = JobFailed
	job.ErrorMessage = message + ": " + cause.Error()
	job.CompletedAt = &completed
	if err := s.Jobs.Update(ctx, job); err != nil {
		telemetry.Error("batch.compensate.job_failed", map[string]any{"job_id": job.ID, "err": err})
	}
	s.release(ctx, job.ID, job.ChunkIDs)

	metrics.IncJobsTerminal(string(JobFailed))
	telemetry.StatusTransition("job", job.ID, string(JobQueued), string(JobFailed), map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"project_id": job.ProjectID,
		"err":        cause,
	})
}

func (s *Scheduler) release(ctx context.Context, jobID string, ids []string) {
	released, err := s.Chunks.Release(ctx, jobID, ids)
	if err != nil {
		telemetry.Error("batch.release_failed", map[string]any{"job_id": jobID, "err": err})
		return
	}
	telemetry.Info("batch.chunks_released", map[string]any{"job_id": jobID, "chunk_ids": released})
}

// Cancel asks the provider to stop the job. Once acknowledged, the job is annullato and chunks
// that did not finish return to pronto.
func (s *Scheduler) Cancel(ctx context.Context, jobID, ownerID string) (Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()
	release, err := s.Jobs.LockJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	defer release()

	job, err := s.Get(ctx, jobID, ownerID)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return Job{}, &JobTerminalError{JobID: jobID, Status: job.Status}
	}

	if job.ProviderHandle != "" {
		if err := s.Provider.Cancel(ctx, job.ProviderHandle); err != nil {
			if errors.Is(err, provider.ErrRejected) {
				return Job{}, &ProviderRejectedError{JobID: jobID, Reason: err.Error(), Err: err}
			}
			return Job{}, &ProviderUnavailableError{Op: "cancel", Err: err}
		}
	}

	results, err := s.Jobs.ListResults(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	now := s.now()
	for _, r := range results {
		if r.Status.Terminal() {
			continue
		}
		r.Status = ResultFailed
		r.Error = cancelledMessage
		r.CompletedAt = &now
		if _, err := s.Jobs.ApplyResult(ctx, r); err != nil {
			return Job{}, err
		}
	}
	if _, err := s.Chunks.Release(ctx, jobID, job.ChunkIDs); err != nil {
		return Job{}, err
	}

	from := job.Status
	job.Status = JobCancelled
	job.CompletedAt = &now
	job.ErrorMessage = cancelledMessage
	if err := s.Jobs.Update(ctx, job); err != nil {
		return Job{}, err
	}

	metrics.IncJobsCancelled()
	metrics.IncJobsTerminal(string(JobCancelled))
	telemetry.StatusTransition("job", jobID, string(from), string(JobCancelled), map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"project_id": job.ProjectID,
	})
	return job, nil
}

// Get returns a job visible to ownerID.
func (s *Scheduler) Get(ctx context.Context, jobID, ownerID string) (Job, error) {
	job, err := s.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// ListByProject returns the project's jobs after checking ownership.
func (s *Scheduler) ListByProject(ctx context.Context, projectID, ownerID string) ([]View, error) {
	if _, err := s.Projects.RequireActive(ctx, projectID, ownerID); err != nil && !errors.Is(err, projects.ErrNotActive) {
		return nil, err
	}
	jobs, err := s.Jobs.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.view(job, nil))
	}
	return out, nil
}

// View builds the read model for a job, including per-chunk results.
func (s *Scheduler) View(ctx context.Context, job Job) (View, error) {
	results, err := s.Jobs.ListResults(ctx, job.ID)
	if err != nil {
		return View{}, err
	}
	return s.view(job, results), nil
}

func (s *Scheduler) view(job Job, results []Result) View {
	v := View{
		Job:                job,
		ProgressPercentage: job.ProgressPercentage(),
		Stale:              job.IsStale(s.now(), s.StaleAfter),
		Results:            results,
		CompletedChunks:    []string{},
		FailedChunks:       []string{},
	}
	for _, r := range results {
		switch r.Status {
		case ResultCompleted:
			v.CompletedChunks = append(v.CompletedChunks, r.ChunkID)
		case ResultFailed:
			v.FailedChunks = append(v.FailedChunks, r.ChunkID)
		}
	}
	return v
}

func (s *Scheduler) estimateCost(selected []chunks.Chunk, cfg Config) float64 {
	var total float64
	for _, c := range selected {
		tokensIn := float64(c.CharCount) / approxCharsPerToken
		total += tokensIn / 1000 * s.CostPer1KInput
		total += float64(cfg.MaxTokensPerChunk) / 1000 * s.CostPer1KOutput
	}
	return total
}

func normalizeSelection(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "chunk_ids", Reason: "must not be empty"}
	}
	if len(raw) > maxChunksPerJob {
		return nil, &ValidationError{Field: "chunk_ids", Reason: fmt.Sprintf("at most %d chunks per job", maxChunksPerJob)}
	}
	seen := make(map[string]bool, len(raw))
	var dupes []string
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, &ValidationError{Field: "chunk_ids", Reason: "contains an empty id"}
		}
		if seen[id] {
			dupes = append(dupes, id)
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(dupes) > 0 {
		return nil, &ValidationError{Field: "chunk_ids", Reason: "contains duplicates", ChunkIDs: dupes}
	}
	return out, nil
}

func validateConfig(cfg Config) error {
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		return &ValidationError{Field: "config.temperature", Reason: "must be between 0 and 2"}
	}
	if cfg.MaxTokensPerChunk < 0 {
		return &ValidationError{Field: "config.maxTokensPerChunk", Reason: "must not be negative"}
	}
	return nil
}

// checkSelection classifies a selection before any write. A chunk held by an active job wins
// over other problems so callers see the conflict.
func checkSelection(projectID string, ids []string, selected []chunks.Chunk) error {
	byID := make(map[string]chunks.Chunk, len(selected))
	for _, c := range selected {
		byID[c.ID] = c
	}
	queued := &ChunkAlreadyQueuedError{JobIDs: map[string]string{}}
	var foreign, notReady []string
	for _, id := range ids {
		c, ok := byID[id]
		switch {
		case !ok || c.ProjectID != projectID:
			foreign = append(foreign, id)
		case c.Status.InFlight() || c.ActiveJobID != "":
			queued.ChunkIDs = append(queued.ChunkIDs, id)
			if c.ActiveJobID != "" {
				queued.JobIDs[id] = c.ActiveJobID
			}
		case c.Status != chunks.StatusReady:
			notReady = append(notReady, id)
		}
	}
	if len(queued.ChunkIDs) > 0 {
		return queued
	}
	if len(foreign) > 0 {
		return &ValidationError{Field: "chunk_ids", Reason: "chunks not found in project", ChunkIDs: foreign}
	}
	if len(notReady) > 0 {
		return &ValidationError{Field: "chunk_ids", Reason: "chunks are not pronto", ChunkIDs: notReady}
	}
	return nil
}

func reservationFailure(err *chunks.ReservationError) error {
	queued := &ChunkAlreadyQueuedError{JobIDs: map[string]string{}}
	var notReady []string
	for id, status := range err.Conflicts {
		if status.InFlight() || err.ActiveJobs[id] != "" {
			queued.ChunkIDs = append(queued.ChunkIDs, id)
			if jobID := err.ActiveJobs[id]; jobID != "" {
				queued.JobIDs[id] = jobID
			}
			continue
		}
		notReady = append(notReady, id)
	}
	if len(queued.ChunkIDs) > 0 {
		sort.Strings(queued.ChunkIDs)
		return queued
	}
	if len(err.Missing) > 0 {
		return &ValidationError{Field: "chunk_ids", Reason: "chunks not found in project", ChunkIDs: err.Missing}
	}
	sort.Strings(notReady)
	return &ValidationError{Field: "chunk_ids", Reason: "chunks are not pronto", ChunkIDs: notReady}
}

func sortedByOrder(list []chunks.Chunk) []chunks.Chunk {
	out := append([]chunks.Chunk(nil), list...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}
