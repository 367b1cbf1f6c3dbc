// Package telemetry provides application-level observability for the update server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<UPS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds. It is NOT served by
// the Gin router, so it never competes with client traffic for handler time.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Package download counters and remote sync duration/error counters
//   - License activation/deactivation outcome counters and expiry sweep counter
//   - Webhook delivery counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /updatepulse-server-update-api/v1)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied query values such as license keys or package slugs.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}. The path
// label holds the Gin route template, NOT the raw URL.
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s. Use histogram_quantile to compute
// latency percentiles.
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

// Package metrics, recorded by the update API handlers and the sync pipeline.
//
// PackageDownloadsTotal counts served archive downloads by slug and package type.
// PackageSyncDuration observes one complete remote sync (lock to unlock) per
// observation. PackageSyncErrorsTotal counts failed syncs by slug; an alert on
// increase(package_sync_errors_total[30m]) > 3 catches upstream VCS outages early.
var (
	PackageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "package_downloads_total",
			Help: "Total number of package archive downloads served, by slug and type.",
		},
		[]string{"slug", "type"},
	)

	PackageSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "package_sync_duration_seconds",
			Help:    "Duration of a single remote package sync operation.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PackageSyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "package_sync_errors_total",
			Help: "Total number of failed remote package sync attempts, by slug.",
		},
		[]string{"slug"},
	)
)

// License metrics, recorded by the license engine.
//
// The result label distinguishes successful transitions from the rejection code
// returned to the client (max_domains_reached, illegal_license_status, ...), so
// a sudden spike in a single rejection code is visible without log diving.
var (
	LicenseActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_activations_total",
			Help: "Total number of license activation attempts, by result.",
		},
		[]string{"result"},
	)

	LicenseDeactivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_deactivations_total",
			Help: "Total number of license deactivation attempts, by result.",
		},
		[]string{"result"},
	)

	LicensesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licenses_expired_total",
			Help: "Total number of licenses transitioned to expired by the sweep job.",
		},
	)
)

// WebhookDeliveriesTotal counts webhook POST attempts by outcome ("ok" or
// "error"). Delivery is fire-and-forget, so this counter is the only place a
// persistently failing endpoint shows up.
var WebhookDeliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts, by outcome.",
	},
	[]string{"status"},
)

// DBOpenConnections tracks the number of open connections currently held by the
// sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector rather
// than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates the DBOpenConnections
// gauge. The goroutine exits cleanly when the database becomes unreachable,
// which happens automatically when the application shuts down and defers
// db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
