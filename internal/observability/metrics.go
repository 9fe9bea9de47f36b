// Package observability holds the Prometheus metrics surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Hesabu.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Upload and download metrics.
	UploadsTotal   *prometheus.CounterVec
	DownloadsTotal *prometheus.CounterVec
	UploadBytes    prometheus.Histogram

	// Script generation metrics.
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration prometheus.Histogram

	// Safety validation metrics.
	ValidationsTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Session metrics.
	ActiveSessions  prometheus.Gauge
	SessionsExpired prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "files",
			Name:      "uploads_total",
			Help:      "Total workbook uploads.",
		}, []string{"status"}),

		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "files",
			Name:      "downloads_total",
			Help:      "Total artifact downloads.",
		}, []string{"version", "status"}),

		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "files",
			Name:      "upload_bytes",
			Help:      "Uploaded workbook size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "generate",
			Name:      "requests_total",
			Help:      "Total script generation requests.",
		}, []string{"status"}),

		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "generate",
			Name:      "request_duration_seconds",
			Help:      "Script generation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "safety",
			Name:      "validations_total",
			Help:      "Total safety validations by verdict.",
		}, []string{"verdict"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total script executions by outcome code.",
		}, []string{"outcome"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Script execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hesabu",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions in the registry.",
		}),

		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Sessions removed by age expiry.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hesabu",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hesabu",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.UploadsTotal,
		m.DownloadsTotal,
		m.UploadBytes,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.ValidationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveSessions,
		m.SessionsExpired,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}
