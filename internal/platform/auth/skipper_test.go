package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/ledger", false},
		{"/api/v1/events", false},
		{"/healthz", false},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
			c.SetPath(tt.path)
			if got := AuthSkipper(c); got != tt.skip {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}

func TestJWTMiddleware_SkipperBypassesAuth(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})

	if _, err := runMiddleware(t, mw, "/metrics", ""); err != nil {
		t.Errorf("expected /metrics to skip auth, got %v", err)
	}
	_, err := runMiddleware(t, mw, "/api/v1/records", "")
	if code := statusOf(t, err); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}
