package projects

import (
	"context"
	"time"
)

// Repo persists projects.
type Repo interface {
	Create(ctx context.Context, project Project) error
	GetByID(ctx context.Context, projectID string) (Project, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Project, error)
	// SetStatus moves the project from one of from to to. It returns a StateError when the
	// stored status is not in from.
	SetStatus(ctx context.Context, projectID string, from []Status, to Status, at time.Time) (Project, error)
	Touch(ctx context.Context, projectID string, at time.Time) error
}

// ArtifactRepo persists finalized document versions.
type ArtifactRepo interface {
	// Create inserts a new version. It returns ErrVersionTaken when (project, version) exists.
	Create(ctx context.Context, artifact Artifact) error
	Delete(ctx context.Context, artifactID string) error
	LatestVersion(ctx context.Context, projectID string) (int, error)
	ListByProject(ctx context.Context, projectID string) ([]Artifact, error)
	GetVersion(ctx context.Context, projectID string, version int) (Artifact, error)
}
