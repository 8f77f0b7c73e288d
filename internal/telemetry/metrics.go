// Package telemetry holds the Prometheus collectors and OpenTelemetry setup
// shared by the crawler and its ops server.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

var (
	entriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsb_entries_total",
			Help: "Entries that left the pipeline, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	activeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcsb_active_entries",
			Help: "Entries currently being aggregated.",
		},
	)

	branchFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsb_branch_fetches_total",
			Help: "Resource requests issued per branch, labeled by status.",
		},
		[]string{"branch", "status"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcsb_fetch_duration_seconds",
			Help:    "Latency of RCSB API requests, labeled by resource kind.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsb_bytes_total",
			Help: "Bytes fetched from upstream hosts.",
		},
		[]string{"host"},
	)

	assetProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcsb_asset_probes_total",
			Help: "Asset availability probes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	assetProbeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rcsb_asset_probe_duration_seconds",
			Help:    "Time spent probing one asset URL including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcsb_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"host"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the lower-cased hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records metrics for an ops server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEntry counts an entry leaving the pipeline.
func ObserveEntry(outcome string) {
	entriesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveEntries increments the active entries gauge.
func IncActiveEntries() {
	activeEntries.Inc()
}

// DecActiveEntries decrements the active entries gauge.
func DecActiveEntries() {
	activeEntries.Dec()
}

// ObserveBranchFetch counts a branch request. status is "ok" or "error".
func ObserveBranchFetch(branch crawler.Branch, status string) {
	branchFetchesTotal.WithLabelValues(string(branch), status).Inc()
}

// ObserveFetch records the latency and size of one API response.
func ObserveFetch(kind, rawURL string, bytesFetched int, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveProbe records one asset probe.
func ObserveProbe(outcome crawler.ProbeOutcome, duration time.Duration) {
	assetProbesTotal.WithLabelValues(string(outcome)).Inc()
	assetProbeDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
