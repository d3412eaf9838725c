package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(limiter *RateLimiter, rules map[string]RateLimitRule) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userId", "guest:test-guest")
		c.Next()
	})
	r.Use(RateLimit(RateLimitConfig{
		Routes: map[string]string{
			"POST /api/v1/batch/jobs/:id/sync": "SYNC",
		},
		Limiter: limiter,
		Rules:   rules,
	}))
	r.POST("/api/v1/batch/jobs/:id/sync", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/api/v1/projects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRateLimitGroupsAreIndependent(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	r := newLimitedRouter(NewRateLimiter(func() time.Time { return now }), map[string]RateLimitRule{
		"DEFAULT": {Rate: 1, Burst: 2},
		"SYNC":    {Rate: 1, Burst: 1},
	})

	serve := func(path string) int {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
		return resp.Code
	}

	if code := serve("/api/v1/batch/jobs/job-1/sync"); code != http.StatusOK {
		t.Fatalf("first sync expected 200, got %d", code)
	}
	if code := serve("/api/v1/batch/jobs/job-1/sync"); code != http.StatusTooManyRequests {
		t.Fatalf("second sync expected 429, got %d", code)
	}
	for i := 0; i < 2; i++ {
		if code := serve("/api/v1/projects"); code != http.StatusOK {
			t.Fatalf("default request %d expected 200, got %d", i+1, code)
		}
	}
	if code := serve("/api/v1/projects"); code != http.StatusTooManyRequests {
		t.Fatalf("default request 3 expected 429, got %d", code)
	}
}

func TestRateLimit429IncludesRetryAfter(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })
	r := newLimitedRouter(limiter, map[string]RateLimitRule{"SYNC": {Rate: 0.5, Burst: 1}})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/job-1/sync", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/job-1/sync", nil))

	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(second.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", payload.Error.Code)
	}

	now = now.Add(2 * time.Second)
	third := httptest.NewRecorder()
	r.ServeHTTP(third, httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/job-1/sync", nil))
	if third.Code != http.StatusOK {
		t.Fatalf("expected refill after wait, got %d", third.Code)
	}
}
