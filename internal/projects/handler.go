package projects

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/server/respond"
	"studybatch/internal/shared/telemetry"
)

// Handler wires HTTP handlers to the project service and finalizer.
type Handler struct {
	Svc       *Service
	Finalizer *Finalizer
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, finalizer *Finalizer) *Handler {
	return &Handler{Svc: svc, Finalizer: finalizer}
}

// RegisterRoutes attaches project routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects", h.create)
	rg.GET("/projects", h.list)
	rg.GET("/projects/:id", h.get)
	rg.POST("/projects/:id/abandon", h.abandon)
	rg.POST("/projects/:id/finalize", h.finalize)
	rg.GET("/projects/:id/artifacts", h.listArtifacts)
	rg.GET("/projects/:id/artifacts/:version", h.getArtifact)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	p, err := h.Svc.Create(middleware.RequestContext(c), middleware.UserIDFromContext(c), req)
	if err != nil {
		writeError(c, err, "failed to create project")
		return
	}
	c.Set("projectId", p.ID)
	respond.Created(c, gin.H{"project": p})
}

func (h *Handler) list(c *gin.Context) {
	items, err := h.Svc.List(middleware.RequestContext(c), middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to list projects")
		return
	}
	respond.OK(c, gin.H{"items": items})
}

func (h *Handler) get(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	p, err := h.Svc.Get(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to fetch project")
		return
	}
	respond.OK(c, gin.H{"project": p})
}

func (h *Handler) abandon(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	p, err := h.Svc.Abandon(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to abandon project")
		return
	}
	c.Set("statusTransition", "->"+string(p.Status))
	respond.OK(c, gin.H{"project": p})
}

func (h *Handler) finalize(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	doc, err := h.Finalizer.Finalize(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to finalize project")
		return
	}
	respond.OK(c, gin.H{
		"document":       doc.Document,
		"version":        doc.Artifact.Version,
		"artifact":       doc.Artifact,
		"skipped_chunks": doc.Skipped,
		"quality_score":  doc.QualityScore,
	})
}

func (h *Handler) listArtifacts(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	items, err := h.Finalizer.ListArtifacts(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to list artifacts")
		return
	}
	respond.OK(c, gin.H{"items": items})
}

func (h *Handler) getArtifact(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version <= 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "version must be a positive integer", nil)
		return
	}
	a, body, err := h.Finalizer.Open(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c), version)
	if err != nil {
		writeError(c, err, "failed to fetch artifact")
		return
	}
	c.Header("ETag", `"`+a.ContentHash+`"`)
	c.Data(http.StatusOK, artifactMimeType, body)
}

func writeError(c *gin.Context, err error, fallback string) {
	var state *StateError
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
	case errors.Is(err, ErrInvalidInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", "title is required and fields must be short", nil)
	case errors.Is(err, ErrNoCompletedChunks):
		respond.Error(c, http.StatusConflict, "no_completed_chunks", "project has no completed chunks to finalize", nil)
	case errors.As(err, &state):
		respond.Error(c, http.StatusConflict, "project_not_active", state.Error(), gin.H{"status": state.Status})
	default:
		telemetry.Error("project.handler.internal_error", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"err":        err,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
