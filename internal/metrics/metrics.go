// Package metrics exposes Prometheus collectors for crawl workers.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes recorded by ObserveJob.
const (
	OutcomeStored         = "stored"
	OutcomeVisitedSkip    = "visited_skip"
	OutcomeDuplicateTitle = "duplicate_title"
	OutcomeFetchError     = "fetch_error"
	OutcomeRobotsBlocked  = "robots_blocked"
	OutcomeParseError     = "parse_error"
	OutcomeStorageError   = "storage_error"
	OutcomeLimitReached   = "limit_reached"
	OutcomeStoreError     = "store_error"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerLinksEnqueuedTotal     prometheus.Counter
	crawlerImagesStoredTotal      prometheus.Counter
	crawlerRobotsFallbackTotal    *prometheus.CounterVec
	crawlerWorkerRunning          prometheus.Gauge
	crawlerHeartbeatFailuresTotal prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site and HTTP status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of crawl jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerLinksEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_links_enqueued_total",
				Help: "Total number of child links pushed to the shared queue.",
			},
		)

		crawlerImagesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_images_stored_total",
				Help: "Total number of images saved alongside documents.",
			},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "Total robots.txt lookups that fell back to allow-all.",
			},
			[]string{"reason"},
		)

		crawlerWorkerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_worker_running",
				Help: "1 while the worker loop is processing jobs.",
			},
		)

		crawlerHeartbeatFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_heartbeat_failures_total",
				Help: "Total heartbeat refreshes that failed.",
			},
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

// ObserveFetch records one completed page fetch.
func ObserveFetch(site string, statusCode int, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	crawlerFetchDurationSeconds.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	Init()
	crawlerJobsTotal.WithLabelValues(outcome).Inc()
}

// AddLinksEnqueued counts child links pushed to the queue.
func AddLinksEnqueued(n int) {
	Init()
	if n > 0 {
		crawlerLinksEnqueuedTotal.Add(float64(n))
	}
}

// AddImagesStored counts saved images.
func AddImagesStored(n int) {
	Init()
	if n > 0 {
		crawlerImagesStoredTotal.Add(float64(n))
	}
}

// ObserveRobotsFallback counts an allow-all robots.txt fallback.
func ObserveRobotsFallback(reason string) {
	Init()
	crawlerRobotsFallbackTotal.WithLabelValues(reason).Inc()
}

// SetWorkerRunning flips the running gauge.
func SetWorkerRunning(running bool) {
	Init()
	if running {
		crawlerWorkerRunning.Set(1)
		return
	}
	crawlerWorkerRunning.Set(0)
}

// IncHeartbeatFailures counts a failed heartbeat refresh.
func IncHeartbeatFailures() {
	Init()
	crawlerHeartbeatFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
