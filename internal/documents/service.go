package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"studybatch/internal/chunks"
	"studybatch/internal/extract"
	"studybatch/internal/projects"
	"studybatch/internal/shared/storage/object"
	"studybatch/internal/shared/telemetry"
)

// ProjectGate authorizes uploads against a project.
type ProjectGate interface {
	RequireActive(ctx context.Context, projectID, ownerID string) (projects.Project, error)
	Touch(ctx context.Context, projectID string) error
}

// ChunkWriter creates draft chunks and reads existing ones for ordering.
type ChunkWriter interface {
	ListByProject(ctx context.Context, projectID string) ([]chunks.Chunk, error)
	Create(ctx context.Context, chunk chunks.Chunk) error
}

// Service stores uploaded source documents and segments them into draft chunks.
type Service struct {
	Store    object.ObjectStore
	Repo     Repo
	Chunks   ChunkWriter
	Projects ProjectGate
	Segment  chunks.SegmentConfig

	now   func() time.Time
	newID func() string
}

// NewService constructs a Service.
func NewService(store object.ObjectStore, repo Repo, chunkWriter ChunkWriter, gate ProjectGate) *Service {
	return &Service{
		Store:    store,
		Repo:     repo,
		Chunks:   chunkWriter,
		Projects: gate,
		Segment:  chunks.DefaultSegmentConfig(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Upload saves the file, extracts its text and appends one bozza chunk per segment after the
// project's existing chunks.
func (s *Service) Upload(ctx context.Context, projectID, ownerID, fileName string, r io.Reader) (Document, []chunks.Chunk, error) {
	if strings.TrimSpace(fileName) == "" {
		return Document{}, nil, ErrInvalidInput
	}
	if _, err := s.Projects.RequireActive(ctx, projectID, ownerID); err != nil {
		return Document{}, nil, err
	}

	storageKey, size, mimeType, err := s.Store.Save(ctx, ownerID, fileName, r)
	if err != nil {
		return Document{}, nil, err
	}
	text, err := extract.ExtractText(ctx, s.Store, storageKey, mimeType, fileName)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupported) {
			return Document{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
		}
		return Document{}, nil, err
	}
	segments := chunks.SegmentText(text, s.Segment)
	if len(segments) == 0 {
		return Document{}, nil, ErrEmptyDocument
	}

	existing, err := s.Chunks.ListByProject(ctx, projectID)
	if err != nil {
		return Document{}, nil, err
	}
	nextOrder := 0
	for _, c := range existing {
		if c.OrderIndex >= nextOrder {
			nextOrder = c.OrderIndex + 1
		}
	}

	now := s.now()
	created := make([]chunks.Chunk, 0, len(segments))
	for i, seg := range segments {
		c := chunks.Chunk{
			ID:          s.newID(),
			ProjectID:   projectID,
			OrderIndex:  nextOrder + i,
			Title:       seg.Title,
			SourceRange: seg.SourceRange,
			Content:     seg.Content,
			CharCount:   len([]rune(seg.Content)),
			WordCount:   chunks.CountWords(seg.Content),
			Status:      chunks.StatusDraft,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Chunks.Create(ctx, c); err != nil {
			return Document{}, nil, fmt.Errorf("create chunk %d of %d: %w", i+1, len(segments), err)
		}
		created = append(created, c)
	}

	doc := Document{
		ID:         s.newID(),
		ProjectID:  projectID,
		OwnerID:    ownerID,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  size,
		StorageKey: storageKey,
		ChunkCount: len(created),
		CreatedAt:  now,
	}
	if err := s.Repo.Create(ctx, doc); err != nil {
		return Document{}, nil, err
	}
	if err := s.Projects.Touch(ctx, projectID); err != nil {
		telemetry.Error("project.touch_failed", map[string]any{"project_id": projectID, "err": err})
	}
	telemetry.Info("document.segmented", map[string]any{
		"request_id":  telemetry.RequestID(ctx),
		"project_id":  projectID,
		"document_id": doc.ID,
		"mime_type":   mimeType,
		"size_bytes":  size,
		"chunks":      len(created),
	})
	return doc, created, nil
}

// List returns the project's documents after checking ownership.
func (s *Service) List(ctx context.Context, projectID, ownerID string) ([]Document, error) {
	if _, err := s.Projects.RequireActive(ctx, projectID, ownerID); err != nil && !errors.Is(err, projects.ErrNotActive) {
		return nil, err
	}
	return s.Repo.ListByProject(ctx, projectID)
}
