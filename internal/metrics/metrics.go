// Package metrics exposes Prometheus collectors for the crawl engine.
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

var (
	crawlerDownloadsTotal         *prometheus.CounterVec
	crawlerDownloadBytesTotal     *prometheus.CounterVec
	crawlerDownloadsInflight      prometheus.Gauge
	crawlerDownloadsDeferredTotal prometheus.Counter
	crawlerParseCandidatesTotal   *prometheus.CounterVec
	crawlerLeaseDecisionsTotal    *prometheus.CounterVec
	crawlerDiscoveryTotal         *prometheus.CounterVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_downloads_total",
				Help: "Completed downloads, labeled by site, document kind and outcome.",
			},
			[]string{"site", "kind", "outcome"},
		)

		crawlerDownloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_download_bytes_total",
				Help: "Bytes downloaded, labeled by site and document kind.",
			},
			[]string{"site", "kind"},
		)

		crawlerDownloadsInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_downloads_inflight",
				Help: "Downloads currently in flight across all workers.",
			},
		)

		crawlerDownloadsDeferredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_downloads_deferred_total",
				Help: "Download commands deferred because a worker was at its concurrency bound.",
			},
		)

		crawlerParseCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_parse_candidates_total",
				Help: "Links extracted from parsed pages, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerLeaseDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_lease_decisions_total",
				Help: "Claim table decisions, labeled by decision.",
			},
			[]string{"decision"},
		)

		crawlerDiscoveryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_discovery_total",
				Help: "Cluster lookups for job coordinators and lease trackers, labeled by registry and outcome.",
			},
			[]string{"registry", "outcome"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveDownload records one finished download.
func ObserveDownload(uri, kind, outcome string, bytesFetched int64) {
	Init()
	site := SanitizeSite(uri)
	crawlerDownloadsTotal.WithLabelValues(site, kind, outcome).Inc()
	if bytesFetched > 0 {
		crawlerDownloadBytesTotal.WithLabelValues(site, kind).Add(float64(bytesFetched))
	}
}

// AddInflightDownloads moves the in-flight gauge by delta.
func AddInflightDownloads(delta int) {
	Init()
	crawlerDownloadsInflight.Add(float64(delta))
}

// ObserveDeferredDownload counts one command parked by backpressure.
func ObserveDeferredDownload() {
	Init()
	crawlerDownloadsDeferredTotal.Inc()
}

// ObserveParseCandidates counts links extracted from a page.
func ObserveParseCandidates(uri string, count int) {
	Init()
	if count <= 0 {
		return
	}
	crawlerParseCandidatesTotal.WithLabelValues(SanitizeSite(uri)).Add(float64(count))
}

// ObserveLeaseDecisions counts claim table outcomes.
func ObserveLeaseDecisions(decision string, count int) {
	Init()
	if count <= 0 {
		return
	}
	crawlerLeaseDecisionsTotal.WithLabelValues(decision).Add(float64(count))
}

// ObserveDiscovery counts one registry lookup outcome.
func ObserveDiscovery(registry, outcome string) {
	Init()
	crawlerDiscoveryTotal.WithLabelValues(registry, outcome).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
