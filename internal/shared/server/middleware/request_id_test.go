package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestIDKeepsWellFormedClientID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, RequestIDFromContext(c)) })

	cases := []struct {
		header string
		keep   bool
	}{
		{"req-123_abc.1", true},
		{"", false},
		{"bad id with spaces", false},
		{strings.Repeat("a", maxRequestIDLength+1), false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("X-Request-Id", tc.header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-Id")
		if got == "" || got != rec.Body.String() {
			t.Fatalf("header %q: response id %q does not match context id %q", tc.header, got, rec.Body.String())
		}
		if (got == tc.header) != tc.keep {
			t.Fatalf("header %q: keep=%v but got %q", tc.header, tc.keep, got)
		}
	}
}
