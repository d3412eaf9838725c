package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"studybatch/internal/batch"
	"studybatch/internal/chunks"
	"studybatch/internal/documents"
	"studybatch/internal/projects"
	"studybatch/internal/provider"
	"studybatch/internal/provider/openai"
	"studybatch/internal/queue"
	"studybatch/internal/services/health"
	"studybatch/internal/shared/auth"
	"studybatch/internal/shared/config"
	"studybatch/internal/shared/server"
	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/storage/db"
	"studybatch/internal/shared/storage/object"
	localstore "studybatch/internal/shared/storage/object/local"
	s3store "studybatch/internal/shared/storage/object/s3"
	"studybatch/internal/shared/telemetry"
	"studybatch/internal/workerproc"
)

// App holds shared dependencies for the API and the workers.
type App struct {
	Config   config.Config
	Router   *gin.Engine
	DB       *sql.DB
	Store    object.ObjectStore
	Queue    queue.Client
	Provider provider.Client

	Projects    *projects.Service
	Finalizer   *projects.Finalizer
	ChunkRepo   chunks.Repo
	Documents   *documents.Service
	JobRepo     batch.Repo
	Scheduler   *batch.Scheduler
	Reconciler  *batch.Reconciler
	Processor   *workerproc.Processor
	Health      *health.Service
	RateLimiter *middleware.RateLimiter
}

// Build wires the API with the server connection pool.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return build(ctx, cfg, db.OptionsFromEnv(db.DefaultServerOptions()))
}

// BuildWorker wires the reconcile worker with a pool sized for its concurrency.
func BuildWorker(ctx context.Context, cfg config.Config) (*App, error) {
	return build(ctx, cfg, db.OptionsFromEnv(db.DefaultWorkerOptions(cfg.Reconcile.Concurrency)))
}

func build(ctx context.Context, cfg config.Config, poolOpts db.Options) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}

	sqlDB, err := buildDB(ctx, cfg, poolOpts)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Queue:    queueClient,
		Provider: client,
	}
	buildServices(app)

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil && !cfg.AllowGuests {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	app.RateLimiter = middleware.NewRateLimiter(nil)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		Verifier:        verifier,
		Health:          app.Health,
		ProjectHandler:  projects.NewHandler(app.Projects, app.Finalizer),
		ChunkHandler:    chunks.NewHandler(app.ChunkRepo, app.Projects),
		DocumentHandler: documents.NewHandler(app.Documents),
		BatchHandler:    batch.NewHandler(app.Scheduler, app.Reconciler),
		Limiter:         app.RateLimiter,
	})
	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config, opts db.Options) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_repositories", map[string]any{"reason": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildProvider(cfg config.Config) (provider.Client, error) {
	switch cfg.Batch.Provider {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:           cfg.Batch.OpenAIAPIKey,
			Model:            cfg.Batch.Model,
			BaseURL:          cfg.Batch.OpenAIBaseURL,
			CompletionWindow: cfg.Batch.CompletionWindow,
			CostPer1KInput:   cfg.Batch.CostPer1KInput,
			CostPer1KOutput:  cfg.Batch.CostPer1KOutput,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return provider.NewLocalClient(cfg.Batch.LocalDelay), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.Reconcile.QueueURL) == "" {
		return nil, nil
	}
	client, err := queue.NewSQSClient(ctx, cfg.Reconcile.QueueURL, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildServices(app *App) {
	var (
		projectRepo  projects.Repo
		artifactRepo projects.ArtifactRepo
		chunkRepo    chunks.Repo
		docRepo      documents.Repo
		jobRepo      batch.Repo
	)
	if app.DB != nil {
		projectRepo = &projects.PGRepo{DB: app.DB}
		artifactRepo = &projects.PGArtifactRepo{DB: app.DB}
		chunkRepo = &chunks.PGRepo{DB: app.DB}
		docRepo = &documents.PGRepo{DB: app.DB}
		jobRepo = &batch.PGRepo{DB: app.DB}
	} else {
		projectRepo = projects.NewMemoryRepo()
		artifactRepo = projects.NewMemoryArtifactRepo()
		chunkRepo = chunks.NewMemoryRepo()
		docRepo = documents.NewMemoryRepo()
		jobRepo = batch.NewMemoryRepo()
	}

	projectSvc := projects.NewService(projectRepo)
	scheduler := batch.NewScheduler(jobRepo, chunkRepo, app.Provider, projectSvc)
	scheduler.CostPer1KInput = app.Config.Batch.CostPer1KInput
	scheduler.CostPer1KOutput = app.Config.Batch.CostPer1KOutput
	scheduler.StaleAfter = app.Config.Batch.StaleAfter

	delay := time.Duration(app.Config.Reconcile.DelaySeconds) * time.Second
	if app.Queue != nil {
		scheduler.Queue = queue.NewEnqueuer(app.Queue, delay)
	}
	reconciler := batch.NewReconciler(scheduler, chunkRepo)

	app.Projects = projectSvc
	app.Finalizer = projects.NewFinalizer(projectSvc, chunkRepo, artifactRepo, app.Store)
	app.ChunkRepo = chunkRepo
	app.Documents = documents.NewService(app.Store, docRepo, chunkRepo, projectSvc)
	app.JobRepo = jobRepo
	app.Scheduler = scheduler
	app.Reconciler = reconciler
	app.Processor = workerproc.NewProcessor(reconciler, app.Queue, delay)
	app.Health = health.NewService(app.DB, app.Provider.Name(), app.Config.ObjectStoreType)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
