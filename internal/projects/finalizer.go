package projects

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"studybatch/internal/chunks"
	"studybatch/internal/shared/keylock"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/storage/object"
	"studybatch/internal/shared/telemetry"
)

const (
	// SectionSeparator joins chunk outputs in a finalized document.
	SectionSeparator   = "\n\n---\n\n"
	artifactMimeType   = "text/markdown; charset=utf-8"
	maxVersionAttempts = 3
)

// ArtifactKey is the object store key of a finalized version.
func ArtifactKey(projectID string, version int) string {
	return fmt.Sprintf("projects/%s/final/v%d.md", projectID, version)
}

// Finalizer merges completed chunk outputs into a versioned project artifact.
type Finalizer struct {
	Projects  *Service
	Chunks    chunks.Reader
	Artifacts ArtifactRepo
	Store     object.ObjectStore

	locks *keylock.Set
	now   func() time.Time
	newID func() string
}

// NewFinalizer constructs a Finalizer.
func NewFinalizer(projects *Service, reader chunks.Reader, artifacts ArtifactRepo, store object.ObjectStore) *Finalizer {
	return &Finalizer{
		Projects:  projects,
		Chunks:    reader,
		Artifacts: artifacts,
		Store:     store,
		locks:     keylock.New(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Finalize builds a new artifact version from the project's completato chunks and marks the
// project completed. Every call creates a new version; earlier versions are never rewritten.
func (f *Finalizer) Finalize(ctx context.Context, projectID, ownerID string) (FinalizedDocument, error) {
	unlock := f.locks.Lock(projectID)
	defer unlock()

	project, err := f.Projects.Get(ctx, projectID, ownerID)
	if err != nil {
		return FinalizedDocument{}, err
	}
	if !project.Status.AcceptsWork() {
		return FinalizedDocument{}, &StateError{ProjectID: projectID, Status: project.Status, Op: "finalize"}
	}

	list, err := f.Chunks.ListByProject(ctx, projectID)
	if err != nil {
		return FinalizedDocument{}, err
	}
	completed, skipped := partition(list)
	if len(completed) == 0 {
		return FinalizedDocument{}, fmt.Errorf("%w: %d chunks, none completato", ErrNoCompletedChunks, len(list))
	}

	doc := MergeDocument(project.Title, completed)
	sum := sha256.Sum256([]byte(doc))
	artifact := Artifact{
		ID:              f.newID(),
		ProjectID:       projectID,
		ContentHash:     hex.EncodeToString(sum[:]),
		SizeBytes:       int64(len(doc)),
		QualityScore:    float64(len(completed)) / float64(len(list)),
		CompletedChunks: len(completed),
		TotalChunks:     len(list),
		ChunkIDs:        make([]string, 0, len(completed)),
		Skipped:         skipped,
		CreatedAt:       f.now(),
	}
	for _, c := range completed {
		artifact.ChunkIDs = append(artifact.ChunkIDs, c.ID)
	}

	if err := f.reserveVersion(ctx, &artifact); err != nil {
		return FinalizedDocument{}, err
	}
	if _, err := f.Store.Put(ctx, artifact.StorageKey, artifactMimeType, strings.NewReader(doc)); err != nil {
		if delErr := f.Artifacts.Delete(ctx, artifact.ID); delErr != nil {
			telemetry.Error("project.finalize.rollback_failed", map[string]any{
				"project_id":  projectID,
				"artifact_id": artifact.ID,
				"err":         delErr,
			})
		}
		return FinalizedDocument{}, fmt.Errorf("store artifact %s: %w", artifact.StorageKey, err)
	}

	if project.Status != StatusCompleted {
		if _, err := f.Projects.Repo.SetStatus(ctx, projectID, []Status{StatusActive}, StatusCompleted, artifact.CreatedAt); err != nil {
			return FinalizedDocument{}, err
		}
		telemetry.StatusTransition("project", projectID, string(project.Status), string(StatusCompleted), map[string]any{
			"request_id": telemetry.RequestID(ctx),
			"version":    artifact.Version,
		})
	} else if err := f.Projects.Repo.Touch(ctx, projectID, artifact.CreatedAt); err != nil {
		telemetry.Error("project.touch_failed", map[string]any{"project_id": projectID, "err": err})
	}

	metrics.IncFinalizations()
	telemetry.Info("project.finalized", map[string]any{
		"request_id":    telemetry.RequestID(ctx),
		"project_id":    projectID,
		"version":       artifact.Version,
		"completed":     artifact.CompletedChunks,
		"skipped":       len(skipped),
		"quality_score": artifact.QualityScore,
	})
	return FinalizedDocument{
		Artifact:     artifact,
		Document:     doc,
		Skipped:      skipped,
		QualityScore: artifact.QualityScore,
	}, nil
}

// reserveVersion inserts the artifact row at the next free version. Another process may
// finalize the same project concurrently; the unique (project, version) key decides.
func (f *Finalizer) reserveVersion(ctx context.Context, a *Artifact) error {
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		latest, err := f.Artifacts.LatestVersion(ctx, a.ProjectID)
		if err != nil {
			return err
		}
		a.Version = latest + 1
		a.StorageKey = ArtifactKey(a.ProjectID, a.Version)
		err = f.Artifacts.Create(ctx, *a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionTaken) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts", ErrVersionTaken, maxVersionAttempts)
}

// ListArtifacts lists the project's finalized versions, newest first.
func (f *Finalizer) ListArtifacts(ctx context.Context, projectID, ownerID string) ([]Artifact, error) {
	if _, err := f.Projects.Get(ctx, projectID, ownerID); err != nil {
		return nil, err
	}
	return f.Artifacts.ListByProject(ctx, projectID)
}

// Open returns the stored content of one version.
func (f *Finalizer) Open(ctx context.Context, projectID, ownerID string, version int) (Artifact, []byte, error) {
	if _, err := f.Projects.Get(ctx, projectID, ownerID); err != nil {
		return Artifact{}, nil, err
	}
	a, err := f.Artifacts.GetVersion(ctx, projectID, version)
	if err != nil {
		return Artifact{}, nil, err
	}
	rc, err := f.Store.Open(ctx, a.StorageKey)
	if err != nil {
		return Artifact{}, nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Artifact{}, nil, err
	}
	return a, body, nil
}

// MergeDocument concatenates completed chunk outputs in order-index order. The output depends
// only on the title and the chunk set.
func MergeDocument(title string, completed []chunks.Chunk) string {
	ordered := append([]chunks.Chunk(nil), completed...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].ID < ordered[j].ID
	})
	sections := make([]string, 0, len(ordered))
	for _, c := range ordered {
		heading := strings.TrimSpace(c.Title)
		if heading == "" {
			heading = fmt.Sprintf("Section %d", c.OrderIndex+1)
		}
		sections = append(sections, "## "+heading+"\n\n"+strings.TrimSpace(c.Output))
	}
	return "# " + strings.TrimSpace(title) + "\n\n" + strings.Join(sections, SectionSeparator) + "\n"
}

func partition(list []chunks.Chunk) ([]chunks.Chunk, []SkippedChunk) {
	var completed []chunks.Chunk
	skipped := make([]SkippedChunk, 0)
	for _, c := range list {
		if c.Status == chunks.StatusCompleted {
			completed = append(completed, c)
			continue
		}
		skipped = append(skipped, SkippedChunk{
			ChunkID:    c.ID,
			OrderIndex: c.OrderIndex,
			Title:      c.Title,
			Status:     c.Status,
			Reason:     SkipReasonFor(c.Status),
		})
	}
	sort.SliceStable(skipped, func(i, j int) bool { return skipped[i].OrderIndex < skipped[j].OrderIndex })
	return completed, skipped
}
