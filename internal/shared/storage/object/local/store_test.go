package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"studybatch/internal/shared/storage/object"
)

func TestSaveNamespacesByOwnerAndSniffsMime(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key, size, mime, err := store.Save(ctx, "user-1", "notes.txt", strings.NewReader("plain notes"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size != int64(len("plain notes")) {
		t.Fatalf("unexpected size %d", size)
	}
	if !strings.HasPrefix(mime, "text/plain") {
		t.Fatalf("expected text/plain, got %s", mime)
	}
	if !strings.HasSuffix(key, "_notes.txt") || strings.Contains(key, "user-1") {
		t.Fatalf("unexpected key %s", key)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "plain notes" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestPutOverwritesAtKey(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		if _, err := store.Put(ctx, "projects/p1/final/v1.md", "text/markdown", strings.NewReader(body)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	rc, err := store.Open(ctx, "projects/p1/final/v1.md")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "second" {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	store := New(t.TempDir())
	for _, key := range []string{"../outside", "/etc/passwd", ""} {
		if _, err := store.Put(context.Background(), key, "text/plain", strings.NewReader("x")); !errors.Is(err, object.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}
