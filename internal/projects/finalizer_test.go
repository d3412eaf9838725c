package projects

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"studybatch/internal/chunks"
	"studybatch/internal/shared/storage/object/local"
)

type stubChunks struct {
	mu   sync.Mutex
	list []chunks.Chunk
}

func (s *stubChunks) GetByID(ctx context.Context, id string) (chunks.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.list {
		if c.ID == id {
			return c, nil
		}
	}
	return chunks.Chunk{}, chunks.ErrNotFound
}

func (s *stubChunks) GetMany(ctx context.Context, ids []string) ([]chunks.Chunk, error) {
	var out []chunks.Chunk
	for _, id := range ids {
		if c, err := s.GetByID(ctx, id); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubChunks) ListByProject(ctx context.Context, projectID string) ([]chunks.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chunks.Chunk
	for _, c := range s.list {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubChunks) set(id string, status chunks.Status, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == id {
			s.list[i].Status = status
			s.list[i].Output = output
		}
	}
}

type failingStore struct {
	*local.Store
}

func (failingStore) Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	return 0, errors.New("disk full")
}

func newFinalizerFixture(t *testing.T) (*Finalizer, *stubChunks, Project) {
	t.Helper()
	svc := newTestService()
	p, err := svc.Create(context.Background(), "user-1", CreateInput{Title: "Tesi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reader := &stubChunks{list: []chunks.Chunk{
		// Stored out of order on purpose.
		{ID: "c3", ProjectID: p.ID, OrderIndex: 2, Title: "Conclusioni", Status: chunks.StatusCompleted, Output: "Analisi tre"},
		{ID: "c1", ProjectID: p.ID, OrderIndex: 0, Title: "Introduzione", Status: chunks.StatusCompleted, Output: "Analisi uno"},
		{ID: "c2", ProjectID: p.ID, OrderIndex: 1, Title: "Metodo", Status: chunks.StatusFailed},
	}}
	f := NewFinalizer(svc, reader, NewMemoryArtifactRepo(), local.New(t.TempDir()))
	return f, reader, p
}

func TestFinalizeMergesCompletedInOrderAndReportsSkipped(t *testing.T) {
	f, _, p := newFinalizerFixture(t)
	ctx := context.Background()

	doc, err := f.Finalize(ctx, p.ID, "user-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	want := "# Tesi\n\n## Introduzione\n\nAnalisi uno" + SectionSeparator + "## Conclusioni\n\nAnalisi tre\n"
	if doc.Document != want {
		t.Fatalf("unexpected document:\n%q\nwant\n%q", doc.Document, want)
	}
	if len(doc.Skipped) != 1 || doc.Skipped[0].ChunkID != "c2" || doc.Skipped[0].Reason != SkipFailed {
		t.Fatalf("unexpected skipped %+v", doc.Skipped)
	}
	if doc.QualityScore < 0.66 || doc.QualityScore > 0.67 {
		t.Fatalf("expected quality 2/3, got %v", doc.QualityScore)
	}
	if doc.Artifact.Version != 1 || doc.Artifact.StorageKey != "projects/"+p.ID+"/final/v1.md" {
		t.Fatalf("unexpected artifact %+v", doc.Artifact)
	}

	got, _ := f.Projects.Get(ctx, p.ID, "user-1")
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed project, got %+v", got)
	}

	_, body, err := f.Open(ctx, p.ID, "user-1", 1)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	if string(body) != want {
		t.Fatalf("stored artifact differs from response")
	}
}

func TestFinalizeWithoutCompletedChunksFails(t *testing.T) {
	f, reader, p := newFinalizerFixture(t)
	reader.set("c1", chunks.StatusReady, "")
	reader.set("c3", chunks.StatusProcessing, "")

	for i := 0; i < 2; i++ {
		if _, err := f.Finalize(context.Background(), p.ID, "user-1"); !errors.Is(err, ErrNoCompletedChunks) {
			t.Fatalf("attempt %d: expected ErrNoCompletedChunks, got %v", i+1, err)
		}
	}
	got, _ := f.Projects.Get(context.Background(), p.ID, "user-1")
	if got.Status != StatusActive {
		t.Fatalf("expected project to stay active, got %s", got.Status)
	}
	versions, _ := f.ListArtifacts(context.Background(), p.ID, "user-1")
	if len(versions) != 0 {
		t.Fatalf("expected no artifacts, got %d", len(versions))
	}
}

func TestRefinalizeCreatesNewVersion(t *testing.T) {
	f, reader, p := newFinalizerFixture(t)
	ctx := context.Background()

	first, err := f.Finalize(ctx, p.ID, "user-1")
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	reader.set("c2", chunks.StatusCompleted, "Analisi due")
	second, err := f.Finalize(ctx, p.ID, "user-1")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if second.Artifact.Version != 2 || len(second.Skipped) != 0 || second.QualityScore != 1 {
		t.Fatalf("unexpected second version %+v", second.Artifact)
	}

	_, body, err := f.Open(ctx, p.ID, "user-1", 1)
	if err != nil {
		t.Fatalf("open v1: %v", err)
	}
	if string(body) != first.Document {
		t.Fatalf("version 1 was rewritten")
	}
	list, _ := f.ListArtifacts(ctx, p.ID, "user-1")
	if len(list) != 2 || list[0].Version != 2 {
		t.Fatalf("expected two versions newest first, got %+v", list)
	}
}

func TestFinalizeIsDeterministicForSameChunkSet(t *testing.T) {
	f, _, p := newFinalizerFixture(t)
	a, err := f.Finalize(context.Background(), p.ID, "user-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	b, err := f.Finalize(context.Background(), p.ID, "user-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if a.Document != b.Document || a.Artifact.ContentHash != b.Artifact.ContentHash {
		t.Fatalf("expected identical documents for identical chunk sets")
	}
	if a.Artifact.Version == b.Artifact.Version {
		t.Fatalf("expected distinct versions")
	}
}

func TestFinalizeRollsBackVersionWhenStoreFails(t *testing.T) {
	f, _, p := newFinalizerFixture(t)
	f.Store = failingStore{Store: local.New(t.TempDir())}

	if _, err := f.Finalize(context.Background(), p.ID, "user-1"); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected store error, got %v", err)
	}
	latest, _ := f.Artifacts.LatestVersion(context.Background(), p.ID)
	if latest != 0 {
		t.Fatalf("expected reserved version to be released, got %d", latest)
	}
	got, _ := f.Projects.Get(context.Background(), p.ID, "user-1")
	if got.Status != StatusActive {
		t.Fatalf("expected project to stay active, got %s", got.Status)
	}
}

func TestFinalizeRejectsAbandonedAndForeignProjects(t *testing.T) {
	f, _, p := newFinalizerFixture(t)
	ctx := context.Background()

	if _, err := f.Finalize(ctx, p.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign caller, got %v", err)
	}
	if _, err := f.Projects.Abandon(ctx, p.ID, "user-1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := f.Finalize(ctx, p.ID, "user-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestSkipReasonFor(t *testing.T) {
	cases := map[chunks.Status]SkipReason{
		chunks.StatusDraft:      SkipNotReady,
		chunks.StatusReady:      SkipNotReady,
		chunks.StatusQueued:     SkipQueued,
		chunks.StatusProcessing: SkipQueued,
		chunks.StatusFailed:     SkipFailed,
	}
	for status, want := range cases {
		if got := SkipReasonFor(status); got != want {
			t.Fatalf("%s: expected %s, got %s", status, want, got)
		}
	}
}
