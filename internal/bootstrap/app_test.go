package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"studybatch/internal/batch"
	"studybatch/internal/chunks"
	"studybatch/internal/shared/config"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		Env:             "dev",
		JWTSecret:       "test-secret",
		AllowGuests:     true,
		ObjectStoreType: "local",
		LocalStoreDir:   t.TempDir(),
		Batch: config.BatchConfig{
			Provider:        "local",
			CostPer1KInput:  0.1,
			CostPer1KOutput: 0.2,
		},
		Reconcile: config.ReconcileConfig{DelaySeconds: 30, Concurrency: 2},
	}
}

func TestBuildWithoutDatabaseUsesMemoryRepositories(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := Build(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if app.DB != nil {
		t.Fatalf("expected no database in dev without DATABASE_URL")
	}
	if _, ok := app.JobRepo.(*batch.MemoryRepo); !ok {
		t.Fatalf("expected memory job repo, got %T", app.JobRepo)
	}
	if _, ok := app.ChunkRepo.(*chunks.MemoryRepo); !ok {
		t.Fatalf("expected memory chunk repo, got %T", app.ChunkRepo)
	}
	if app.Queue != nil || app.Scheduler.Queue != nil {
		t.Fatalf("expected no reconcile queue without a queue url")
	}
	if app.Provider.Name() != "local" {
		t.Fatalf("expected local provider, got %s", app.Provider.Name())
	}
	if app.Scheduler.CostPer1KInput != 0.1 || app.Scheduler.CostPer1KOutput != 0.2 {
		t.Fatalf("cost rates not wired: %+v", app.Scheduler)
	}

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestBuildRequiresDatabaseOutsideDev(t *testing.T) {
	cfg := testConfig(t)
	cfg.Env = "production"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without DATABASE_URL in production")
	}
}

func TestBuildOpenAIRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch.Provider = "openai"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without OPENAI_API_KEY")
	}
}

func TestBuildS3RequiresBucket(t *testing.T) {
	cfg := testConfig(t)
	cfg.ObjectStoreType = "s3"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without S3_BUCKET")
	}
}
