package projects

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"studybatch/internal/chunks"
	"studybatch/internal/shared/telemetry"
)

const (
	maxTitleLength    = 200
	maxMetadataLength = 120
)

// CreateInput carries the user-supplied fields of a new project.
type CreateInput struct {
	Title   string `json:"title"`
	Faculty string `json:"faculty"`
	Topic   string `json:"topic"`
	Level   string `json:"level"`
}

// Service contains project lifecycle logic and ownership checks.
type Service struct {
	Repo Repo

	now   func() time.Time
	newID func() string
}

// NewService constructs a Service.
func NewService(repo Repo) *Service {
	return &Service{
		Repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Create stores a new active project owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (Project, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Project{}, errors.New("owner id required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" || utf8.RuneCountInString(in.Title) > maxTitleLength {
		return Project{}, ErrInvalidInput
	}
	for _, field := range []*string{&in.Faculty, &in.Topic, &in.Level} {
		*field = strings.TrimSpace(*field)
		if utf8.RuneCountInString(*field) > maxMetadataLength {
			return Project{}, ErrInvalidInput
		}
	}

	now := s.now()
	p := Project{
		ID:             s.newID(),
		OwnerID:        ownerID,
		Title:          in.Title,
		Faculty:        in.Faculty,
		Topic:          in.Topic,
		Level:          in.Level,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.Repo.Create(ctx, p); err != nil {
		return Project{}, err
	}
	telemetry.Info("project.created", map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"project_id": p.ID,
		"user_id":    ownerID,
	})
	return p, nil
}

// Get returns the project if ownerID owns it. Other callers see ErrNotFound.
func (s *Service) Get(ctx context.Context, projectID, ownerID string) (Project, error) {
	p, err := s.Repo.GetByID(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return Project{}, ErrNotFound
	}
	return p, nil
}

// List returns the caller's projects.
func (s *Service) List(ctx context.Context, ownerID string) ([]Project, error) {
	return s.Repo.ListByOwner(ctx, ownerID)
}

// RequireActive returns the project when ownerID owns it and it still accepts work.
func (s *Service) RequireActive(ctx context.Context, projectID, ownerID string) (Project, error) {
	p, err := s.Get(ctx, projectID, ownerID)
	if err != nil {
		return Project{}, err
	}
	if !p.Status.AcceptsWork() {
		return p, &StateError{ProjectID: projectID, Status: p.Status, Op: "accept work"}
	}
	return p, nil
}

// Touch records activity on the project.
func (s *Service) Touch(ctx context.Context, projectID string) error {
	return s.Repo.Touch(ctx, projectID, s.now())
}

// Abandon closes the project to new work. Jobs already in flight keep reconciling.
func (s *Service) Abandon(ctx context.Context, projectID, ownerID string) (Project, error) {
	current, err := s.Get(ctx, projectID, ownerID)
	if err != nil {
		return Project{}, err
	}
	p, err := s.Repo.SetStatus(ctx, projectID, []Status{StatusActive, StatusCompleted}, StatusAbandoned, s.now())
	if err != nil {
		return Project{}, err
	}
	telemetry.StatusTransition("project", projectID, string(current.Status), string(p.Status), map[string]any{
		"request_id": telemetry.RequestID(ctx),
	})
	return p, nil
}

// AuthorizeChunks lets the chunk handler check ownership without importing this package.
// Reads are allowed on any owned project; writes need a project that accepts work.
func (s *Service) AuthorizeChunks(ctx context.Context, projectID, ownerID string, write bool) error {
	p, err := s.Get(ctx, projectID, ownerID)
	if errors.Is(err, ErrNotFound) {
		return chunks.ErrProjectNotFound
	}
	if err != nil {
		return err
	}
	if write && !p.Status.AcceptsWork() {
		return chunks.ErrProjectClosed
	}
	if write {
		if err := s.Touch(ctx, projectID); err != nil {
			telemetry.Error("project.touch_failed", map[string]any{"project_id": projectID, "err": err})
		}
	}
	return nil
}
