// Package telemetry provides application-level observability for the push relay.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<RELAY_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Push delivery counters by message kind and outcome
//   - OAuth2 token exchange counters
//   - Device registration and stale-token eviction counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /push/:token) rather than
// the raw request URL to prevent unbounded label cardinality from user-supplied
// path segments such as device tokens.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lusky3/underseerr-sub002/internal/safego"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template, NOT the raw URL, to prevent
// unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Push delivery metrics.
//
// PushSendsTotal is a CounterVec with labels {kind, outcome}. kind is
// "notification" for structured webhook sends and "webpush" for opaque
// encrypted forwards; outcome is "success", "unregistered", or "error".
//
// Example PromQL queries:
//   - Delivery failure rate:   sum(rate(push_sends_total{outcome!="success"}[5m])) / sum(rate(push_sends_total[5m]))
//   - Stale token discovery:   rate(push_sends_total{outcome="unregistered"}[1h])
//
// TokenExchangesTotal is a CounterVec with label {outcome} ("success" or
// "error") incremented once per OAuth2 assertion exchange. A high rate here
// with low request volume indicates the token cache is not being reused.
var (
	PushSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Total number of outbound push sends, by message kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	TokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_exchanges_total",
			Help: "Total number of OAuth2 access token exchanges, by outcome.",
		},
		[]string{"outcome"},
	)
)

// DeviceRegistrationsTotal is a plain Counter incremented once per successful
// device registration, including re-registrations that overwrite an
// existing token.
var DeviceRegistrationsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "device_registrations_total",
		Help: "Total number of device token registrations accepted.",
	},
)

// StaleTokensEvictedTotal counts registrations removed after the provider
// reported the token as unregistered. A sustained rate roughly tracks app
// uninstalls.
var StaleTokensEvictedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "stale_tokens_evicted_total",
		Help: "Total number of stale device tokens evicted from the store.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of db.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sqlx.DB) {
	safego.Go(func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
