package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SyncWriteFailed("insert")
	m.DeleteRefused("completed")
	m.RecordingFinished("ok")
	m.GenerationFinished("ok", time.Second)
	if m.Registry() != nil {
		t.Error("nil metrics has no registry")
	}

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := newMetrics(t)
	m.SyncWriteFailed("update")
	m.SyncWriteFailed("update")
	m.DeleteRefused("mobile_sent")
	m.RecordingFinished("empty")
	m.GenerationFinished("failed", 2*time.Second)

	if got := testutil.ToFloat64(m.syncWriteFailures.WithLabelValues("update")); got != 2 {
		t.Errorf("sync failures = %v", got)
	}
	if got := testutil.ToFloat64(m.deleteRefusals.WithLabelValues("mobile_sent")); got != 1 {
		t.Errorf("delete refusals = %v", got)
	}
	if got := testutil.ToFloat64(m.recordings.WithLabelValues("empty")); got != 1 {
		t.Errorf("recordings = %v", got)
	}
	if got := testutil.ToFloat64(m.generations.WithLabelValues("failed")); got != 1 {
		t.Errorf("generations = %v", got)
	}
	if got := testutil.CollectAndCount(m.generateDuration); got != 1 {
		t.Errorf("expected one duration series, got %d", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := newMetrics(t)
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/records/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	})
	e.GET("/metrics", m.PrometheusHandler())

	for i := 0; i < 3; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/records/abc", nil))
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/records/:id", "404")); got != 3 {
		t.Errorf("expected 3 requests by route template, got %v", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`quicksoap_http_requests_total{method="GET",route="/api/v1/records/:id",status="404"} 3`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
