package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"studybatch/internal/batch"
	"studybatch/internal/chunks"
	"studybatch/internal/documents"
	"studybatch/internal/projects"
	"studybatch/internal/services/health"
	"studybatch/internal/shared/auth"
	"studybatch/internal/shared/config"
	"studybatch/internal/shared/metrics"
	"studybatch/internal/shared/server/middleware"
	"studybatch/internal/shared/server/respond"
)

const (
	healthPath  = "/api/v1/health"
	readyPath   = "/api/v1/ready"
	metricsPath = "/metrics"

	submitGroup = "SUBMIT"
	syncGroup   = "SYNC"
)

// RouterDeps are the handlers mounted under /api/v1.
type RouterDeps struct {
	Config          config.Config
	Verifier        *auth.Verifier
	Health          *health.Service
	ProjectHandler  *projects.Handler
	ChunkHandler    *chunks.Handler
	DocumentHandler *documents.Handler
	BatchHandler    *batch.Handler
	Limiter         *middleware.RateLimiter
}

// DefaultRateLimits are the per-caller buckets for each route group.
func DefaultRateLimits() map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		"DEFAULT":   {Rate: 10, Burst: 40},
		submitGroup: {Rate: 0.2, Burst: 5},
		syncGroup:   {Rate: 1, Burst: 10},
	}
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(middleware.AuthConfig{
			Verifier:    deps.Verifier,
			AllowGuests: deps.Config.AllowGuests,
			PublicPaths: []string{healthPath, readyPath, metricsPath},
		}),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules: DefaultRateLimits(),
			Routes: map[string]string{
				"POST /api/v1/batch/jobs":             submitGroup,
				"POST /api/v1/projects/:id/finalize":  submitGroup,
				"POST /api/v1/projects/:id/documents": submitGroup,
				"GET /api/v1/batch/jobs/:id":          syncGroup,
				"POST /api/v1/batch/jobs/:id/sync":    syncGroup,
				"GET /api/v1/projects/:id/batch/jobs": syncGroup,
			},
			DefaultGroup: "DEFAULT",
			Limiter:      deps.Limiter,
		}),
	)

	r.GET(metricsPath, metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		respond.JSON(c, http.StatusOK, deps.Health.Status())
	})
	api.GET("/ready", func(c *gin.Context) {
		if deps.Health == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		report := deps.Health.Ready(middleware.RequestContext(c))
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	})
	registerMeRoutes(api)

	if deps.ProjectHandler != nil {
		deps.ProjectHandler.RegisterRoutes(api)
	}
	if deps.ChunkHandler != nil {
		deps.ChunkHandler.RegisterRoutes(api)
	}
	if deps.DocumentHandler != nil {
		deps.DocumentHandler.RegisterRoutes(api)
	}
	if deps.BatchHandler != nil {
		deps.BatchHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
