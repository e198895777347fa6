// Package metrics exposes Prometheus collectors for the tile pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal       *prometheus.CounterVec
	fetchBytesTotal          *prometheus.CounterVec
	fetchDurationSeconds     *prometheus.HistogramVec
	jobsTotal                *prometheus.CounterVec
	requeuesTotal            *prometheus.CounterVec
	tilesProcessedTotal      *prometheus.CounterVec
	classificationsTotal     *prometheus.CounterVec
	activeWorkers            prometheus.Gauge
	rateLimitDelaysSeconds   *prometheus.HistogramVec
	httpRequestDurationRoute *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_fetch_attempts_total",
				Help: "Fetch attempts partitioned by strategy, job kind and outcome.",
			},
			[]string{"strategy", "kind", "outcome"},
		)
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geotile_fetch_duration_seconds",
				Help:    "Successful fetch latency partitioned by strategy.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_jobs_total",
				Help: "Jobs finished, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)
		requeuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_job_requeues_total",
				Help: "Jobs moved to the queue tail after a retryable failure.",
			},
			[]string{"kind"},
		)
		tilesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_tiles_processed_total",
				Help: "Processed tiles labeled by sensor and whether every pixel was masked.",
			},
			[]string{"sensor", "all_invalid"},
		)
		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geotile_classification_labels_total",
				Help: "Winning classification labels by category.",
			},
			[]string{"category", "label"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "geotile_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geotile_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		httpRequestDurationRoute = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geotile_http_request_duration_seconds",
				Help:    "Status API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt records one strategy attempt.
func ObserveFetchAttempt(strategy, kind, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(strategy, kind, outcome).Inc()
}

// ObserveFetchSuccess records payload size and latency for a successful fetch.
func ObserveFetchSuccess(strategy, rawURL string, bytesFetched int, duration time.Duration) {
	Init()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given kind and status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRequeue counts a job that went back to the queue tail.
func ObserveRequeue(kind string) {
	Init()
	requeuesTotal.WithLabelValues(kind).Inc()
}

// ObserveTile counts a processed tile.
func ObserveTile(sensor string, allInvalid bool) {
	Init()
	label := "false"
	if allInvalid {
		label = "true"
	}
	tilesProcessedTotal.WithLabelValues(sensor, label).Inc()
}

// ObserveLabel counts a winning classification label.
func ObserveLabel(category, label string) {
	Init()
	classificationsTotal.WithLabelValues(category, label).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a status API request.
func ObserveHTTPRequest(method, route string, duration time.Duration) {
	Init()
	httpRequestDurationRoute.WithLabelValues(method, route).Observe(duration.Seconds())
}
