package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"studybatch/internal/shared/auth"
)

func newAuthRouter(t *testing.T, cfg AuthConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth(cfg))
	router.GET("/api/v1/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/projects/:id", func(c *gin.Context) {
		c.String(http.StatusOK, UserIDFromContext(c))
	})
	router.OPTIONS("/api/v1/projects/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func TestAuthAllowsOptionsWithoutIdentity(t *testing.T) {
	router := newAuthRouter(t, AuthConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/projects/p1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuthPublicPathSkipsIdentity(t *testing.T) {
	router := newAuthRouter(t, AuthConfig{PublicPaths: []string{"/api/v1/health"}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthBearerToken(t *testing.T) {
	verifier, err := auth.NewVerifier("secret", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Sign(auth.Claims{Sub: "user-7"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	router := newAuthRouter(t, AuthConfig{Verifier: verifier})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || resp.Body.String() != "user-7" {
		t.Fatalf("expected user-7, got %d %q", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthGuestHeader(t *testing.T) {
	router := newAuthRouter(t, AuthConfig{AllowGuests: true})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1", nil)
	req.Header.Set("X-Guest-Id", "abc")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Body.String() != "guest:abc" {
		t.Fatalf("expected guest:abc, got %q", resp.Body.String())
	}

	router = newAuthRouter(t, AuthConfig{AllowGuests: false})
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when guests are disabled, got %d", resp.Code)
	}
}
