// Package metrics exposes Prometheus collectors for crawl runs and the
// review API.
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

// Crawl groups the collectors updated by the crawl executor and runner. A
// nil *Crawl is valid and records nothing.
type Crawl struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	skips         prometheus.Counter
	changes       *prometheus.CounterVec
	unhealthy     prometheus.Gauge
	runs          *prometheus.CounterVec
}

// NewCrawl registers the crawl collectors on reg.
func NewCrawl(reg prometheus.Registerer) *Crawl {
	f := promauto.With(reg)
	return &Crawl{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_fetch_total",
			Help: "Fetch attempts, labeled by host, transport and outcome.",
		}, []string{"host", "transport", "outcome"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverage_fetch_duration_seconds",
			Help:    "Latency of single fetch attempts.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"transport"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_fetch_retries_total",
			Help: "Retries scheduled after a transient fetch failure.",
		}, []string{"host"}),
		skips: f.NewCounter(prometheus.CounterOpts{
			Name: "coverage_fetch_skipped_total",
			Help: "URLs skipped because their health circuit is open.",
		}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_document_changes_total",
			Help: "Detected document changes, labeled by priority.",
		}, []string{"priority"}),
		unhealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "coverage_unhealthy_urls",
			Help: "URLs at or above the failure threshold at the last check.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coverage_runs_total",
			Help: "Completed crawl runs, labeled by result.",
		}, []string{"result"}),
	}
}

var (
	defaultCrawl *Crawl
	once         sync.Once
)

// Default returns the process-wide Crawl registered on the default registry.
// It is safe to call more than once.
func Default() *Crawl {
	once.Do(func() {
		defaultCrawl = NewCrawl(prometheus.DefaultRegisterer)
	})
	return defaultCrawl
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func (c *Crawl) ObserveFetch(rawURL, transport, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetches.WithLabelValues(Host(rawURL), transport, outcome).Inc()
	c.fetchDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// ObserveRetry records a scheduled retry.
func (c *Crawl) ObserveRetry(rawURL string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(Host(rawURL)).Inc()
}

// ObserveSkip records a URL skipped by the health tracker.
func (c *Crawl) ObserveSkip() {
	if c == nil {
		return
	}
	c.skips.Inc()
}

// ObserveChange records a detected document change.
func (c *Crawl) ObserveChange(priority string) {
	if c == nil {
		return
	}
	c.changes.WithLabelValues(priority).Inc()
}

// SetUnhealthy reports the current unhealthy URL count.
func (c *Crawl) SetUnhealthy(n int) {
	if c == nil {
		return
	}
	c.unhealthy.Set(float64(n))
}

// ObserveRun records a finished crawl run.
func (c *Crawl) ObserveRun(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.runs.WithLabelValues(result).Inc()
}

// Host extracts a lowercase hostname for use as a label, or "unknown".
func Host(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
