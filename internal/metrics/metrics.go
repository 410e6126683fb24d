// Package metrics exposes Prometheus collectors for the audit crawler service.
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
	auditJobsTotal             *prometheus.CounterVec
	auditPagesTotal            *prometheus.CounterVec
	schedulerRunningJobs       prometheus.Gauge
	schedulerQueuedJobs        prometheus.Gauge
	browserPoolIdle            prometheus.Gauge
	browserPoolActiveContexts  prometheus.Gauge
	browserLaunchesTotal       prometheus.Counter
	browserRetirementsTotal    *prometheus.CounterVec
	politenessDelaySeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Total number of crawl jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		auditPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_pages_total",
				Help: "Total number of pages audited, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		schedulerRunningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_running_jobs",
				Help: "Number of jobs currently running.",
			},
		)

		schedulerQueuedJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scheduler_queued_jobs",
				Help: "Number of jobs waiting for a free slot.",
			},
		)

		browserPoolIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_pool_idle_instances",
				Help: "Number of idle browser instances held by the pool.",
			},
		)

		browserPoolActiveContexts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_pool_active_contexts",
				Help: "Number of open page contexts across all pooled browsers.",
			},
		)

		browserLaunchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_launches_total",
				Help: "Total browser processes launched by the pool.",
			},
		)

		browserRetirementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_retirements_total",
				Help: "Total browser instances retired, labeled by reason.",
			},
			[]string{"reason"},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "politeness_delay_seconds",
				Help:    "Histogram of per-host politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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
	return promhttp.Handler()
}

// ObserveJob increments the terminal-job counter for the given status.
func ObserveJob(status string) {
	if auditJobsTotal == nil {
		return
	}
	auditJobsTotal.WithLabelValues(status).Inc()
}

// ObservePage increments the audited-page counter.
func ObservePage(site string, result string) {
	if auditPagesTotal == nil {
		return
	}
	auditPagesTotal.WithLabelValues(SanitizeSite(site), result).Inc()
}

// SetSchedulerGauges records the current running/queued counts.
func SetSchedulerGauges(running, queued int) {
	if schedulerRunningJobs == nil {
		return
	}
	schedulerRunningJobs.Set(float64(running))
	schedulerQueuedJobs.Set(float64(queued))
}

// SetPoolIdle records the current number of idle pooled browsers.
func SetPoolIdle(n int) {
	if browserPoolIdle == nil {
		return
	}
	browserPoolIdle.Set(float64(n))
}

// IncActiveContexts increments the open page-context gauge.
func IncActiveContexts() {
	if browserPoolActiveContexts == nil {
		return
	}
	browserPoolActiveContexts.Inc()
}

// DecActiveContexts decrements the open page-context gauge.
func DecActiveContexts() {
	if browserPoolActiveContexts == nil {
		return
	}
	browserPoolActiveContexts.Dec()
}

// ObserveBrowserLaunch increments the launch counter.
func ObserveBrowserLaunch() {
	if browserLaunchesTotal == nil {
		return
	}
	browserLaunchesTotal.Inc()
}

// ObserveBrowserRetirement increments the retirement counter for a reason.
func ObserveBrowserRetirement(reason string) {
	if browserRetirementsTotal == nil {
		return
	}
	browserRetirementsTotal.WithLabelValues(reason).Inc()
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(host string, duration time.Duration) {
	if politenessDelaySeconds == nil {
		return
	}
	politenessDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
