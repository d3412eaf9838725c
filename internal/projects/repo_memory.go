package projects

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores projects in memory.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Project
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Project)}
}

// Create stores the project.
func (r *MemoryRepo) Create(ctx context.Context, project Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[project.ID] = project
	return nil
}

// GetByID returns a project by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, projectID string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

// ListByOwner returns the owner's projects, most recently active first.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string) ([]Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Project, 0)
	for _, p := range r.byID {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// SetStatus moves a project between lifecycle states.
func (r *MemoryRepo) SetStatus(ctx context.Context, projectID string, from []Status, to Status, at time.Time) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	if !statusIn(p.Status, from) {
		return Project{}, &StateError{ProjectID: projectID, Status: p.Status, Op: "move to " + string(to)}
	}
	p.Status = to
	p.LastActivityAt = at
	if to == StatusCompleted {
		completed := at
		p.CompletedAt = &completed
	}
	r.byID[projectID] = p
	return p, nil
}

// Touch records activity on the project.
func (r *MemoryRepo) Touch(ctx context.Context, projectID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[projectID]
	if !ok {
		return ErrNotFound
	}
	p.LastActivityAt = at
	r.byID[projectID] = p
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// MemoryArtifactRepo stores artifact versions in memory.
type MemoryArtifactRepo struct {
	mu        sync.RWMutex
	byProject map[string][]Artifact
}

// NewMemoryArtifactRepo constructs a MemoryArtifactRepo.
func NewMemoryArtifactRepo() *MemoryArtifactRepo {
	return &MemoryArtifactRepo{byProject: make(map[string][]Artifact)}
}

// Create stores a new version.
func (r *MemoryArtifactRepo) Create(ctx context.Context, artifact Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byProject[artifact.ProjectID] {
		if existing.Version == artifact.Version {
			return ErrVersionTaken
		}
	}
	r.byProject[artifact.ProjectID] = append(r.byProject[artifact.ProjectID], artifact)
	return nil
}

// Delete removes a version by artifact ID.
func (r *MemoryArtifactRepo) Delete(ctx context.Context, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for projectID, list := range r.byProject {
		for i, a := range list {
			if a.ID == artifactID {
				r.byProject[projectID] = append(list[:i:i], list[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

// LatestVersion returns the highest stored version, or 0.
func (r *MemoryArtifactRepo) LatestVersion(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest := 0
	for _, a := range r.byProject[projectID] {
		if a.Version > latest {
			latest = a.Version
		}
	}
	return latest, nil
}

// ListByProject returns versions newest first.
func (r *MemoryArtifactRepo) ListByProject(ctx context.Context, projectID string) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]Artifact{}, r.byProject[projectID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// GetVersion returns a single version.
func (r *MemoryArtifactRepo) GetVersion(ctx context.Context, projectID string, version int) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byProject[projectID] {
		if a.Version == version {
			return a, nil
		}
	}
	return Artifact{}, ErrNotFound
}
