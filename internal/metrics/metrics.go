// Package metrics exposes Prometheus counters for plugin operations and HTTP traffic
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zource"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pluginOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_operations_total",
			Help:      "Plugin lifecycle operations by kind and outcome.",
		},
		[]string{"operation", "result"},
	)

	downloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_download_bytes_total",
			Help:      "Bytes downloaded while fetching plugin archives.",
		},
	)

	autoloaderRegenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoloader_regenerations_total",
			Help:      "Number of times the autoloader mapping was written.",
		},
	)

	autoloaderEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autoloader_entries",
			Help:      "Namespace entries in the current autoloader mapping.",
		},
	)

	installedPlugins = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins",
			Help:      "Registered plugins by state.",
		},
		[]string{"state"},
	)
)

// Operation results
const (
	ResultSuccess = "success"
	ResultNoop    = "noop"
	ResultError   = "error"
)

// RecordOperation counts a plugin operation (install, activate, deactivate, uninstall, fetch)
func RecordOperation(operation, result string) {
	pluginOperations.WithLabelValues(operation, result).Inc()
}

// AddDownloadBytes adds n downloaded bytes
func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// RecordRegeneration records an autoloader write with the given number of entries
func RecordRegeneration(entries int) {
	autoloaderRegenerations.Inc()
	autoloaderEntries.Set(float64(entries))
}

// SetPluginCounts sets the active and inactive plugin gauges
func SetPluginCounts(active, inactive int) {
	installedPlugins.WithLabelValues("active").Set(float64(active))
	installedPlugins.WithLabelValues("inactive").Set(float64(inactive))
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
