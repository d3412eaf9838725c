package documents

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"studybatch/internal/projects"
	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/server/respond"
	"studybatch/internal/shared/telemetry"
)

const maxUploadSize = 20 << 20 // 20MB

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches document routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/projects/:id/documents", h.upload)
	rg.GET("/projects/:id/documents", h.list)
}

func (h *Handler) upload(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	doc, created, err := h.Svc.Upload(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c), fileHeader.Filename, file)
	if err != nil {
		writeError(c, err, "failed to upload document")
		return
	}

	respond.Created(c, toUploadResponse(doc, created))
}

func (h *Handler) list(c *gin.Context) {
	projectID := c.Param("id")
	c.Set("projectId", projectID)
	docs, err := h.Svc.List(middleware.RequestContext(c), projectID, middleware.UserIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to list documents")
		return
	}
	resp := make([]DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		resp = append(resp, toResponse(doc))
	}
	respond.OK(c, gin.H{"items": resp})
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, ErrUnsupportedType):
		respond.Error(c, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error(), nil)
	case errors.Is(err, ErrEmptyDocument):
		respond.Error(c, http.StatusUnprocessableEntity, "empty_document", err.Error(), nil)
	case errors.Is(err, projects.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "project not found", nil)
	case errors.Is(err, projects.ErrNotActive):
		respond.Error(c, http.StatusConflict, "project_not_active", err.Error(), nil)
	default:
		telemetry.Error("document.handler.internal_error", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"err":        err,
		})
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
