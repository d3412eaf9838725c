package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"studybatch/internal/chunks"
	"studybatch/internal/shared/storage/object/local"
)

func newProjectRouter(t *testing.T, reader chunks.Reader) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService()
	h := NewHandler(svc, NewFinalizer(svc, reader, NewMemoryArtifactRepo(), local.New(t.TempDir())))
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userId", c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

func doJSON(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestHandlerCreateAndOwnerIsolation(t *testing.T) {
	r, _ := newProjectRouter(t, &stubChunks{})

	resp := doJSON(r, http.MethodPost, "/api/v1/projects", "user-1", map[string]string{"title": "Tesi"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Project Project `json:"project"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp := doJSON(r, http.MethodGet, "/api/v1/projects/"+created.Project.ID, "user-2", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d", resp.Code)
	}
	if resp := doJSON(r, http.MethodPost, "/api/v1/projects", "user-1", map[string]string{"title": ""}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty title, got %d", resp.Code)
	}
}

func TestHandlerFinalizeConflictWithoutCompletedChunks(t *testing.T) {
	reader := &stubChunks{}
	r, svc := newProjectRouter(t, reader)
	p, _ := svc.Create(context.Background(), "user-1", CreateInput{Title: "Tesi"})
	reader.list = []chunks.Chunk{{ID: "c1", ProjectID: p.ID, Status: chunks.StatusReady}}

	resp := doJSON(r, http.MethodPost, "/api/v1/projects/"+p.ID+"/finalize", "user-1", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error.Code != "no_completed_chunks" {
		t.Fatalf("expected no_completed_chunks, got %q", payload.Error.Code)
	}
}

func TestHandlerFinalizeReturnsDocumentAndSkipped(t *testing.T) {
	reader := &stubChunks{}
	r, svc := newProjectRouter(t, reader)
	p, _ := svc.Create(context.Background(), "user-1", CreateInput{Title: "Tesi"})
	reader.list = []chunks.Chunk{
		{ID: "c1", ProjectID: p.ID, OrderIndex: 0, Title: "Uno", Status: chunks.StatusCompleted, Output: "primo"},
		{ID: "c2", ProjectID: p.ID, OrderIndex: 1, Title: "Due", Status: chunks.StatusCompleted, Output: "secondo"},
		{ID: "c3", ProjectID: p.ID, OrderIndex: 2, Title: "Tre", Status: chunks.StatusFailed},
	}

	resp := doJSON(r, http.MethodPost, "/api/v1/projects/"+p.ID+"/finalize", "user-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Document     string         `json:"document"`
		Version      int            `json:"version"`
		Skipped      []SkippedChunk `json:"skipped_chunks"`
		QualityScore float64        `json:"quality_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != 1 || len(payload.Skipped) != 1 || payload.Skipped[0].Reason != SkipFailed {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if !bytes.Contains([]byte(payload.Document), []byte("## Uno\n\nprimo")) {
		t.Fatalf("document missing first section: %q", payload.Document)
	}

	artifact := doJSON(r, http.MethodGet, "/api/v1/projects/"+p.ID+"/artifacts/1", "user-1", nil)
	if artifact.Code != http.StatusOK || artifact.Body.String() != payload.Document {
		t.Fatalf("expected stored artifact body, got %d %q", artifact.Code, artifact.Body.String())
	}
}
