// Package monitoring exposes Prometheus metrics and the system health
// snapshot for the admin endpoint.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for TraceTrack.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ScansTotal     *prometheus.CounterVec
	LinksCommitted prometheus.Counter

	BillsTotal *prometheus.CounterVec

	RateLimitRejected *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	ScanBuffers    prometheus.Gauge

	DBRetries prometheus.Counter
}

// NewMetrics creates and registers all instruments with the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracetrack_http_requests_total",
				Help: "HTTP requests by route class and status code",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracetrack_http_request_duration_seconds",
				Help:    "HTTP request latency by route class",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"route"},
		),
		ScansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracetrack_scans_total",
				Help: "Scan operations by kind and outcome",
			},
			[]string{"kind", "result"}, // kind: parent, child, finish
		),
		LinksCommitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracetrack_links_committed_total",
				Help: "Parent-child links committed via finish_scanning",
			},
		),
		BillsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracetrack_bill_operations_total",
				Help: "Bill workflow operations by action and outcome",
			},
			[]string{"action", "result"},
		),
		RateLimitRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracetrack_rate_limit_rejected_total",
				Help: "Requests rejected by the rate limiter, by route class",
			},
			[]string{"route"},
		),
		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracetrack_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"reason"}, // bad_password, locked, bad_totp, expired_session
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracetrack_active_sessions",
				Help: "Live server-side sessions",
			},
		),
		ScanBuffers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracetrack_scan_buffers",
				Help: "Open scan-session buffers",
			},
		),
		DBRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracetrack_db_retries_total",
				Help: "Transient database errors retried by the pool",
			},
		),
	}
}
