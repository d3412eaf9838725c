package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"studybatch/internal/shared/telemetry"
)

// Logging emits a structured log per request. Handlers add projectId, jobId, chunkId and
// statusTransition to the gin context to enrich it.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		telemetry.Info("request.complete", map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"route":             c.FullPath(),
			"status":            c.Writer.Status(),
			"status_transition": c.GetString("statusTransition"),
			"duration_ms":       float64(latency.Microseconds()) / 1000.0,
			"user_id":           c.GetString(userIDKey),
			"is_guest":          c.GetBool(isGuestKey),
			"project_id":        c.GetString("projectId"),
			"job_id":            c.GetString("jobId"),
			"chunk_id":          c.GetString("chunkId"),
			"client_ip":         c.ClientIP(),
			"user_agent":        c.Request.UserAgent(),
		})
	}
}
