package batch

import (
	"context"
	"errors"
	"time"

	"studybatch/internal/chunks"
	"studybatch/internal/provider"
	"studybatch/internal/shared/keylock"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/telemetry"
)

const (
	missingOutputMessage    = "missing from provider output"
	jobFailedMessage        = "batch job failed at the provider"
	providerCancelMessage   = "batch job cancelled at the provider"
	outcomeCompleted        = "completed"
	outcomeFailed           = "failed"
	defaultItemErrorMessage = "provider reported a failure for this chunk"
)

// Reconciler pulls authoritative provider state into local jobs, results and chunks.
// Reconciles of the same job are serialized with the scheduler's job locks.
type Reconciler struct {
	Jobs     Repo
	Chunks   chunks.ResultWriter
	Provider provider.Client

	locks *keylock.Set
	now   func() time.Time
}

// NewReconciler constructs a Reconciler sharing job locks with s.
func NewReconciler(s *Scheduler, writer chunks.ResultWriter) *Reconciler {
	return &Reconciler{
		Jobs:     s.Jobs,
		Chunks:   writer,
		Provider: s.Provider,
		locks:    s.locks,
		now:      s.now,
	}
}

// Reconcile applies the provider's current view of a job. Calling it again without a provider
// change performs no writes. A provider read failure returns ProviderUnavailableError and leaves
// local state untouched. The job stays locked in the store for the whole call, so reconciles
// running in other processes wait their turn.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string) (Job, error) {
	unlock := r.locks.Lock(jobID)
	defer unlock()
	release, err := r.Jobs.LockJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	defer release()

	start := time.Now()
	defer func() {
		metrics.ObserveReconcileDurationMs(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	job, err := r.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() || job.ProviderHandle == "" {
		metrics.IncReconciles(true)
		return job, nil
	}

	snap, err := r.Provider.Fetch(ctx, job.ProviderHandle)
	if err != nil {
		metrics.IncReconcileErrors()
		telemetry.Error("batch.reconcile.fetch_failed", map[string]any{
			"request_id":      telemetry.RequestID(ctx),
			"job_id":          jobID,
			"provider_handle": job.ProviderHandle,
			"err":             err,
		})
		return Job{}, &ProviderUnavailableError{Op: "reconcile", Err: err}
	}

	version := snap.Fingerprint()
	if version == job.ProviderVersion {
		metrics.IncReconciles(true)
		return job, nil
	}

	results, err := r.Jobs.ListResults(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	byChunk := make(map[string]Result, len(results))
	for _, res := range results {
		byChunk[res.ChunkID] = res
	}

	if err := r.markStarted(ctx, job, snap, byChunk); err != nil {
		return Job{}, err
	}

	applied := map[string]int{}
	seen := make(map[string]bool, len(snap.Items))
	for _, item := range snap.Items {
		existing, member := byChunk[item.CustomID]
		if !member {
			telemetry.Warn("batch.reconcile.unknown_item", map[string]any{"job_id": jobID, "custom_id": item.CustomID})
			continue
		}
		seen[item.CustomID] = true
		if existing.Status.Terminal() {
			continue
		}
		res, moved, err := r.applyItem(ctx, job.ID, existing, item)
		if err != nil {
			return Job{}, err
		}
		byChunk[item.CustomID] = res
		if moved {
			applied[outcomeOf(res)]++
		}
	}

	var remainderMessage string
	to := job.Status
	switch snap.Status {
	case provider.StatusCompleted:
		remainderMessage = missingOutputMessage
		to = JobCompleted
	case provider.StatusFailed:
		remainderMessage = jobFailedMessage
		if snap.Error != "" {
			remainderMessage += ": " + snap.Error
		}
		to = JobFailed
	case provider.StatusCancelled:
		remainderMessage = providerCancelMessage
		to = JobCancelled
	case provider.StatusProcessing:
		to = JobProcessing
	}
	if remainderMessage != "" {
		for _, id := range job.ChunkIDs {
			existing := byChunk[id]
			if existing.Status.Terminal() || seen[id] {
				continue
			}
			res, moved, err := r.applyItem(ctx, job.ID, existing, provider.ItemResult{CustomID: id, Error: remainderMessage})
			if err != nil {
				return Job{}, err
			}
			byChunk[id] = res
			if moved {
				applied[outcomeFailed]++
			}
		}
	}

	from := job.Status
	job.Processed, job.Failed, job.ActualCost = tally(byChunk)
	job.Status = to
	job.ProviderVersion = version
	now := r.now()
	if job.Status != JobQueued && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if job.Status.Terminal() {
		job.CompletedAt = &now
		if to != JobCompleted {
			job.ErrorMessage = remainderMessage
		}
	}
	if err := r.Jobs.Update(ctx, job); err != nil {
		if !errors.Is(err, ErrStaleProgress) {
			return Job{}, err
		}
		telemetry.Warn("batch.reconcile.stale_progress", map[string]any{
			"job_id":           jobID,
			"processed_chunks": job.Processed,
		})
		return r.Jobs.GetByID(ctx, jobID)
	}

	metrics.IncReconciles(false)
	metrics.AddResultsApplied(outcomeCompleted, applied[outcomeCompleted])
	metrics.AddResultsApplied(outcomeFailed, applied[outcomeFailed])
	telemetry.Info("batch.reconcile.applied", map[string]any{
		"request_id":       telemetry.RequestID(ctx),
		"job_id":           jobID,
		"provider_status":  string(snap.Status),
		"applied_ok":       applied[outcomeCompleted],
		"applied_failed":   applied[outcomeFailed],
		"processed_chunks": job.Processed,
		"total_chunks":     job.Total,
		"progress":         job.ProgressPercentage(),
	})
	if from != job.Status {
		telemetry.StatusTransition("job", jobID, string(from), string(job.Status), map[string]any{
			"request_id": telemetry.RequestID(ctx),
			"project_id": job.ProjectID,
		})
	}
	if job.Status.Terminal() {
		metrics.IncJobsTerminal(string(job.Status))
		final := make([]Result, 0, len(byChunk))
		for _, res := range byChunk {
			final = append(final, res)
		}
		if pf := PartialFailureOf(final); pf != nil {
			telemetry.Warn("batch.partial_failure", map[string]any{
				"job_id":           jobID,
				"completed_chunks": pf.Completed,
				"failed_chunks":    pf.Failed,
			})
		}
	}
	return job, nil
}

// markStarted moves chunks the provider has picked up from in_coda to elaborazione. Without
// per-item granularity every member starts once the provider leaves its queue.
func (r *Reconciler) markStarted(ctx context.Context, job Job, snap provider.Snapshot, byChunk map[string]Result) error {
	ids := make([]string, 0, len(job.ChunkIDs))
	switch {
	case snap.Status == provider.StatusQueued:
		for _, item := range snap.Items {
			ids = append(ids, item.CustomID)
		}
	case snap.Started != nil:
		ids = append(ids, snap.Started...)
		for _, item := range snap.Items {
			ids = append(ids, item.CustomID)
		}
		if snap.Status != provider.StatusProcessing {
			ids = append(ids, job.ChunkIDs...)
		}
	default:
		ids = append(ids, job.ChunkIDs...)
	}
	pending := make([]string, 0, len(ids))
	dedupe := make(map[string]bool, len(ids))
	for _, id := range ids {
		res, member := byChunk[id]
		if !member || dedupe[id] || res.Status != ResultPending {
			continue
		}
		dedupe[id] = true
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return nil
	}
	if _, err := r.Chunks.MarkProcessing(ctx, job.ID, pending); err != nil {
		return err
	}
	for _, id := range pending {
		res := byChunk[id]
		res.Status = ResultProcessing
		if _, err := r.Jobs.ApplyResult(ctx, res); err != nil {
			return err
		}
		byChunk[id] = res
	}
	return nil
}

// applyItem writes the chunk transition first, then the result row. A retry after a partial
// write finds the chunk already released and only completes the result row. moved reports
// whether the chunk itself changed state.
func (r *Reconciler) applyItem(ctx context.Context, jobID string, existing Result, item provider.ItemResult) (res Result, moved bool, err error) {
	now := r.now()
	res = Result{
		JobID:       jobID,
		ChunkID:     existing.ChunkID,
		TokensIn:    item.TokensIn,
		TokensOut:   item.TokensOut,
		Cost:        item.Cost,
		LatencyMs:   item.LatencyMs,
		RetryCount:  existing.RetryCount,
		CompletedAt: &now,
	}
	if item.Succeeded {
		res.Status = ResultCompleted
		err = r.Chunks.Complete(ctx, jobID, existing.ChunkID, item.Output)
	} else {
		res.Status = ResultFailed
		res.Error = item.Error
		if res.Error == "" {
			res.Error = defaultItemErrorMessage
		}
		err = r.Chunks.Fail(ctx, jobID, existing.ChunkID, res.Error)
	}
	if err != nil && !errors.Is(err, chunks.ErrNotHeld) {
		return Result{}, false, err
	}
	moved = err == nil
	if moved {
		telemetry.StatusTransition("chunk", existing.ChunkID, string(chunks.StatusProcessing), chunkStatusFor(res.Status), map[string]any{
			"job_id": jobID,
		})
	} else {
		telemetry.Warn("batch.reconcile.chunk_not_held", map[string]any{"job_id": jobID, "chunk_id": existing.ChunkID})
	}
	if _, err := r.Jobs.ApplyResult(ctx, res); err != nil {
		return Result{}, false, err
	}
	return res, moved, nil
}

func tally(byChunk map[string]Result) (processed, failed int, cost float64) {
	for _, res := range byChunk {
		if res.Status.Terminal() {
			processed++
		}
		if res.Status == ResultFailed {
			failed++
		}
		cost += res.Cost
	}
	return processed, failed, cost
}

func outcomeOf(res Result) string {
	if res.Status == ResultCompleted {
		return outcomeCompleted
	}
	return outcomeFailed
}

func chunkStatusFor(status ResultStatus) string {
	if status == ResultCompleted {
		return string(chunks.StatusCompleted)
	}
	return string(chunks.StatusFailed)
}
