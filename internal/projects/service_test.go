package projects

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"studybatch/internal/chunks"
)

func newTestService() *Service {
	svc := NewService(NewMemoryRepo())
	clock := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("proj-%d", n)
	}
	return svc
}

func TestCreateValidatesTitle(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, "user-1", CreateInput{Title: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	p, err := svc.Create(ctx, "user-1", CreateInput{Title: " Tesi di laurea ", Faculty: "Ingegneria"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Title != "Tesi di laurea" || p.Status != StatusActive || p.OwnerID != "user-1" {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestGetHidesForeignProjects(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	p, err := svc.Create(ctx, "user-1", CreateInput{Title: "Storia"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, p.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, err := svc.Abandon(ctx, p.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected foreign abandon to be hidden, got %v", err)
	}
}

func TestRequireActiveRejectsAbandoned(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	p, _ := svc.Create(ctx, "user-1", CreateInput{Title: "Diritto"})

	if _, err := svc.RequireActive(ctx, p.ID, "user-1"); err != nil {
		t.Fatalf("expected active project, got %v", err)
	}
	if _, err := svc.Abandon(ctx, p.ID, "user-1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	_, err := svc.RequireActive(ctx, p.ID, "user-1")
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := svc.Abandon(ctx, p.ID, "user-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected second abandon to fail, got %v", err)
	}
}

func TestAuthorizeChunksMapsErrors(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	p, _ := svc.Create(ctx, "user-1", CreateInput{Title: "Chimica"})

	if err := svc.AuthorizeChunks(ctx, p.ID, "user-2", false); !errors.Is(err, chunks.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if err := svc.AuthorizeChunks(ctx, p.ID, "user-1", true); err != nil {
		t.Fatalf("expected write access, got %v", err)
	}
	if _, err := svc.Abandon(ctx, p.ID, "user-1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := svc.AuthorizeChunks(ctx, p.ID, "user-1", true); !errors.Is(err, chunks.ErrProjectClosed) {
		t.Fatalf("expected ErrProjectClosed, got %v", err)
	}
	if err := svc.AuthorizeChunks(ctx, p.ID, "user-1", false); err != nil {
		t.Fatalf("expected read access on abandoned project, got %v", err)
	}
}

func TestTouchAdvancesLastActivity(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	p, _ := svc.Create(ctx, "user-1", CreateInput{Title: "Fisica"})

	if err := svc.Touch(ctx, p.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := svc.Get(ctx, p.ID, "user-1")
	if !got.LastActivityAt.After(p.LastActivityAt) {
		t.Fatalf("expected last activity to advance: %s -> %s", p.LastActivityAt, got.LastActivityAt)
	}
}
