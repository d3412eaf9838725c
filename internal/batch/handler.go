package batch

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studybatch/internal/chunks"
	"studybatch/internal/projects"
	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/server/respond"
	"studybatch/internal/shared/telemetry"
)

// Handler wires HTTP handlers to the scheduler and reconciler.
type Handler struct {
	Scheduler  *Scheduler
	Reconciler *Reconciler
}

// NewHandler constructs a Handler.
func NewHandler(s *Scheduler, r *Reconciler) *Handler {
	return &Handler{Scheduler: s, Reconciler: r}
}

// RegisterRoutes attaches batch job routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/batch/jobs", h.submit)
	rg.GET("/batch/jobs/:id", h.getJob)
	rg.POST("/batch/jobs/:id/sync", h.syncJob)
	rg.POST("/batch/jobs/:id/cancel", h.cancelJob)
	rg.GET("/projects/:id/batch/jobs", h.listProjectJobs)
}

type submitRequest struct {
	ProjectID string   `json:"project_id"`
	ChunkIDs  []string `json:"chunk_ids"`
	Config    Config   `json:"config"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "project_id is required", []map[string]string{
			{"field": "project_id", "issue": "required"},
		})
		return
	}
	c.Set("projectId", req.ProjectID)

	job, err := h.Scheduler.Submit(middleware.RequestContext(c), SubmitInput{
		ProjectID: req.ProjectID,
		OwnerID:   middleware.UserIDFromContext(c),
		ChunkIDs:  req.ChunkIDs,
		Config:    req.Config,
	})
	if err != nil {
		writeError(c, err, "failed to submit batch job")
		return
	}
	c.Set("jobId", job.ID)
	c.Set("statusTransition", string(JobQueued)+"->"+string(job.Status))
	respond.Created(c, gin.H{"job": job})
}

func (h *Handler) getJob(c *gin.Context) {
	jobID := c.Param("id")
	c.Set("jobId", jobID)
	ctx := middleware.RequestContext(c)
	if _, err := h.Scheduler.Get(ctx, jobID, middleware.UserIDFromContext(c)); err != nil {
		writeError(c, err, "failed to fetch batch job")
		return
	}

	job, syncErr := h.Reconciler.Reconcile(ctx, jobID)
	if syncErr != nil {
		if !errors.Is(syncErr, ErrProviderUnavailable) {
			writeError(c, syncErr, "failed to fetch batch job")
			return
		}
		// Serve the last known state; /sync surfaces the provider error.
		cached, err := h.Scheduler.Jobs.GetByID(ctx, jobID)
		if err != nil {
			writeError(c, err, "failed to fetch batch job")
			return
		}
		job = cached
	}
	view, err := h.Scheduler.View(ctx, job)
	if err != nil {
		writeError(c, err, "failed to fetch batch job")
		return
	}
	resp := gin.H{
		"job":                 view.Job,
		"progress_percentage": view.ProgressPercentage,
		"stale":               view.Stale,
		"results":             view.Results,
		"completed_chunks":    view.CompletedChunks,
		"failed_chunks":       view.FailedChunks,
	}
	if syncErr != nil {
		resp["sync_error"] = "provider_unavailable"
	}
	respond.OK(c, resp)
}

func (h *Handler) syncJob(c *gin.Context) {
	jobID := c.Param("id")
	c.Set("jobId", jobID)
	ctx := middleware.RequestContext(c)
	if _, err := h.Scheduler.Get(ctx, jobID, middleware.UserIDFromContext(c)); err != nil {
		writeError(c, err, "failed to sync batch job")
		return
	}
	job, err := h.Reconciler.Reconcile(ctx, jobID)
	if err != nil {
		writeError(c, err, "failed to sync batch job")
		return
	}
	view, err := h.Scheduler.View(ctx, job)
	if err != nil {
		writeError(c, err, "failed to sync batch job")
		return
	}
	respond.OK(c, view)
}

func (h *Handler) cancelJob(c *gin.Context) {
	jobID := c.Param("id")
	c.Set("jobId", jobID)
	job, err := h.Scheduler.Cancel(middleware.RequestContext(c), jobID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to cancel batch job")
		return
	}
	c.Set("statusTransition", "->"+string(job.Status))
	respond.OK(c, gin.H{"job": job})
}

func (h *Handler) listProjectJobs(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	views, err := h.Scheduler.ListByProject(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to list batch jobs")
		return
	}
	respond.OK(c, gin.H{"items": views})
}

func writeError(c *gin.Context, err error, fallback string) {
	var validation *ValidationError
	var queued *ChunkAlreadyQueuedError
	var terminal *JobTerminalError
	var transition *chunks.InvalidTransitionError
	switch {
	case errors.As(err, &validation):
		respond.Error(c, http.StatusBadRequest, "validation_error", validation.Error(), gin.H{
			"field":     validation.Field,
			"chunk_ids": nonNil(validation.ChunkIDs),
		})
	case errors.As(err, &queued):
		respond.Error(c, http.StatusConflict, "chunk_already_queued", queued.Error(), gin.H{
			"chunk_ids":   queued.ChunkIDs,
			"active_jobs": queued.JobIDs,
		})
	case errors.As(err, &terminal):
		respond.Error(c, http.StatusConflict, "job_terminal", terminal.Error(), gin.H{"status": terminal.Status})
	case errors.As(err, &transition):
		respond.Error(c, http.StatusConflict, "invalid_transition", transition.Error(), gin.H{"chunk_ids": []string{transition.ChunkID}})
	case errors.Is(err, ErrNotFound), errors.Is(err, projects.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.Is(err, ErrProviderRejected):
		var rejected *ProviderRejectedError
		details := gin.H{}
		if errors.As(err, &rejected) {
			details["job_id"] = rejected.JobID
			details["chunk_ids"] = nonNil(rejected.ChunkIDs)
		}
		respond.Error(c, http.StatusBadGateway, "provider_rejected", "batch provider rejected the request", details)
	case errors.Is(err, ErrProviderUnavailable):
		respond.Error(c, http.StatusServiceUnavailable, "provider_unavailable", "batch provider unavailable, retry later", nil)
	default:
		telemetry.Error("batch.handler.internal_error", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"err":        err,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
