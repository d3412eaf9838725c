package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"studybatch/internal/shared/telemetry"
)

func TestLoggingIncludesRequiredFields(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	telemetry.SetOutput(&buf)
	t.Cleanup(func() { telemetry.SetOutput(os.Stdout) })

	router := gin.New()
	router.Use(RequestID(), Auth(AuthConfig{AllowGuests: true}), Logging())
	router.POST("/batch/jobs/:id/cancel", func(c *gin.Context) {
		c.Set("projectId", "project-1")
		c.Set("jobId", c.Param("id"))
		c.Set("statusTransition", "elaborazione->annullato")
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/batch/jobs/job-1/cancel", nil)
	req.Header.Set("X-Guest-Id", "guest1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}

	for _, key := range []string{"request_id", "user_id", "project_id", "job_id", "duration_ms", "status", "status_transition", "route"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("missing log field: %s", key)
		}
	}
	if payload["user_id"] != "guest:guest1" {
		t.Fatalf("unexpected user_id: %v", payload["user_id"])
	}
	if payload["job_id"] != "job-1" || payload["project_id"] != "project-1" {
		t.Fatalf("unexpected ids: %v %v", payload["job_id"], payload["project_id"])
	}
	if payload["route"] != "/batch/jobs/:id/cancel" {
		t.Fatalf("unexpected route: %v", payload["route"])
	}
	if payload["status_transition"] != "elaborazione->annullato" {
		t.Fatalf("unexpected status_transition: %v", payload["status_transition"])
	}
}
