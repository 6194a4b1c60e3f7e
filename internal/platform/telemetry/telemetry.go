// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// draft sync protocol, capture and report generation. All methods are safe
// on a nil *Metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quicksoap"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	syncWriteFailures *prometheus.CounterVec
	deleteRefusals    *prometheus.CounterVec

	recordings       *prometheus.CounterVec
	generations      *prometheus.CounterVec
	generateDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method", "route"})
	m.syncWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "write_failures_total",
		Help:      "Remote draft writes that failed and were dropped.",
	}, []string{"op"})
	m.deleteRefusals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "delete_refusals_total",
		Help:      "Guarded draft deletions that were refused.",
	}, []string{"reason"})
	m.recordings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "recordings_total",
		Help:      "Finished recordings by outcome.",
	}, []string{"outcome"})
	m.generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      "generations_total",
		Help:      "Report generations by outcome.",
	}, []string{"outcome"})
	m.generateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      "generation_duration_seconds",
		Help:      "Time spent waiting on the report generator.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
	})

	for _, c := range []prometheus.Collector{
		m.httpRequests, m.httpDuration,
		m.syncWriteFailures, m.deleteRefusals,
		m.recordings, m.generations, m.generateDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SyncWriteFailed(op string) {
	if m == nil {
		return
	}
	m.syncWriteFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) DeleteRefused(reason string) {
	if m == nil {
		return
	}
	m.deleteRefusals.WithLabelValues(reason).Inc()
}

// RecordingFinished counts a settled transcription: "ok", "empty" or "failed".
func (m *Metrics) RecordingFinished(outcome string) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GenerationFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
	m.generateDuration.Observe(d.Seconds())
}

// MetricsMiddleware records request counts and latency by route template.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the text exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	if m == nil {
		return echo.WrapHandler(promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}))
	}
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}
