package chunks

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/server/respond"
	"studybatch/internal/shared/telemetry"
)

const maxChunkContent = 60000

// ProjectAccess checks project ownership without importing the projects package.
type ProjectAccess interface {
	// AuthorizeChunks returns ErrProjectNotFound or ErrProjectClosed when ownerID may not
	// read (write=false) or change (write=true) the project's chunks.
	AuthorizeChunks(ctx context.Context, projectID, ownerID string, write bool) error
}

// Store is what the handler needs from a repository: reads and draft-phase edits.
type Store interface {
	Reader
	Editor
}

// Handler exposes the user-driven draft phase of the chunk lifecycle.
type Handler struct {
	Chunks   Store
	Projects ProjectAccess
	newID    func() string
}

// NewHandler constructs a Handler.
func NewHandler(store Store, access ProjectAccess) *Handler {
	return &Handler{Chunks: store, Projects: access, newID: uuid.NewString}
}

// RegisterRoutes attaches chunk routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/chunks", h.create)
	rg.GET("/projects/:id/chunks", h.list)
	rg.GET("/chunks/:id", h.get)
	rg.PATCH("/chunks/:id", h.update)
	rg.POST("/chunks/:id/ready", h.markReady)
	rg.POST("/chunks/:id/reset", h.reset)
	rg.DELETE("/chunks/:id", h.delete)
}

type chunkRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	SourceRange string `json:"source_range"`
	OrderIndex  *int   `json:"order_index"`
}

func (h *Handler) create(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	ctx := middleware.RequestContext(c)

	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if len(req.Content) > maxChunkContent {
		respond.Error(c, http.StatusBadRequest, "validation_error", "content is too long", nil)
		return
	}
	if err := h.Projects.AuthorizeChunks(ctx, projectID, middleware.UserIDFromContext(c), true); err != nil {
		writeError(c, err, "failed to create chunk")
		return
	}

	order := 0
	if req.OrderIndex != nil {
		order = *req.OrderIndex
	} else {
		existing, err := h.Chunks.ListByProject(ctx, projectID)
		if err != nil {
			writeError(c, err, "failed to create chunk")
			return
		}
		for _, ch := range existing {
			if ch.OrderIndex >= order {
				order = ch.OrderIndex + 1
			}
		}
	}

	chunk := Chunk{
		ID:          h.newID(),
		ProjectID:   projectID,
		OrderIndex:  order,
		Title:       strings.TrimSpace(req.Title),
		SourceRange: strings.TrimSpace(req.SourceRange),
		Content:     req.Content,
		Status:      StatusDraft,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Chunks.Create(ctx, chunk); err != nil {
		writeError(c, err, "failed to create chunk")
		return
	}
	created, err := h.Chunks.GetByID(ctx, chunk.ID)
	if err != nil {
		writeError(c, err, "failed to create chunk")
		return
	}
	c.Set("chunkId", created.ID)
	respond.Created(c, gin.H{"chunk": created})
}

func (h *Handler) list(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	ctx := middleware.RequestContext(c)
	if err := h.Projects.AuthorizeChunks(ctx, projectID, middleware.UserIDFromContext(c), false); err != nil {
		writeError(c, err, "failed to list chunks")
		return
	}
	items, err := h.Chunks.ListByProject(ctx, projectID)
	if err != nil {
		writeError(c, err, "failed to list chunks")
		return
	}
	counts := make(map[Status]int)
	for _, ch := range items {
		counts[ch.Status]++
	}
	respond.OK(c, gin.H{"items": items, "status_counts": counts})
}

// load fetches the chunk named in the path and checks the caller's access to its project.
func (h *Handler) load(c *gin.Context, write bool) (Chunk, bool) {
	chunkID := c.Param("id")
	c.Set("chunkId", chunkID)
	ctx := middleware.RequestContext(c)
	chunk, err := h.Chunks.GetByID(ctx, chunkID)
	if err != nil {
		writeError(c, err, "failed to fetch chunk")
		return Chunk{}, false
	}
	c.Set("projectId", chunk.ProjectID)
	if err := h.Projects.AuthorizeChunks(ctx, chunk.ProjectID, middleware.UserIDFromContext(c), write); err != nil {
		// Foreign chunks look missing.
		if errors.Is(err, ErrProjectNotFound) {
			err = ErrNotFound
		}
		writeError(c, err, "failed to fetch chunk")
		return Chunk{}, false
	}
	return chunk, true
}

func (h *Handler) get(c *gin.Context) {
	chunk, ok := h.load(c, false)
	if !ok {
		return
	}
	respond.OK(c, gin.H{"chunk": chunk})
}

func (h *Handler) update(c *gin.Context) {
	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if len(req.Content) > maxChunkContent {
		respond.Error(c, http.StatusBadRequest, "validation_error", "content is too long", nil)
		return
	}
	chunk, ok := h.load(c, true)
	if !ok {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = chunk.Title
	}
	updated, err := h.Chunks.UpdateContent(middleware.RequestContext(c), chunk.ID, title, req.Content)
	if err != nil {
		writeError(c, err, "failed to update chunk")
		return
	}
	respond.OK(c, gin.H{"chunk": updated})
}

func (h *Handler) markReady(c *gin.Context) {
	h.transition(c, StatusReady, h.Chunks.MarkReady)
}

func (h *Handler) reset(c *gin.Context) {
	h.transition(c, StatusDraft, h.Chunks.Reset)
}

func (h *Handler) transition(c *gin.Context, to Status, apply func(context.Context, string) (Chunk, error)) {
	chunk, ok := h.load(c, true)
	if !ok {
		return
	}
	ctx := middleware.RequestContext(c)
	updated, err := apply(ctx, chunk.ID)
	if err != nil {
		writeError(c, err, "failed to update chunk status")
		return
	}
	c.Set("statusTransition", string(chunk.Status)+"->"+string(updated.Status))
	telemetry.StatusTransition("chunk", chunk.ID, string(chunk.Status), string(to), map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"project_id": chunk.ProjectID,
	})
	respond.OK(c, gin.H{"chunk": updated})
}

func (h *Handler) delete(c *gin.Context) {
	chunk, ok := h.load(c, true)
	if !ok {
		return
	}
	if err := h.Chunks.Delete(middleware.RequestContext(c), chunk.ID); err != nil {
		writeError(c, err, "failed to delete chunk")
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error, fallback string) {
	var transition *InvalidTransitionError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrProjectNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.As(err, &transition):
		respond.Error(c, http.StatusConflict, "invalid_transition", transition.Error(), gin.H{
			"chunk_ids": []string{transition.ChunkID},
			"from":      transition.From,
			"to":        transition.To,
		})
	case errors.Is(err, ErrContentLocked):
		respond.Error(c, http.StatusConflict, "chunk_locked", "chunk is part of a batch job or already processed", nil)
	case errors.Is(err, ErrEmptyContent):
		respond.Error(c, http.StatusBadRequest, "validation_error", "chunk content is empty", nil)
	case errors.Is(err, ErrProjectClosed):
		respond.Error(c, http.StatusConflict, "project_not_active", "project no longer accepts changes", nil)
	default:
		telemetry.Error("chunk.handler.internal_error", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"err":        err,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
