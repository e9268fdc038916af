// Package metrics exports Prometheus metrics for the dialogue service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/dialogd/dialog/cache"
)

// Exporter owns the service's Prometheus registry and collectors.
// All Record* methods are nil-safe so callers can run without metrics.
type Exporter struct {
	registry *prometheus.Registry

	turnLatency     *prometheus.HistogramVec
	turns           *prometheus.CounterVec
	intents         *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	sessionBusy     prometheus.Counter
	tasksSubmitted  *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// NewExporter creates the exporter and registers all collectors.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dialogd",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end turn processing latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"status"},
	)

	e.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "turns_total",
			Help:      "Total number of processed turns",
		},
		[]string{"status", "response_type"},
	)

	e.intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "intents_total",
			Help:      "Total number of turns per recognized intent",
		},
		[]string{"intent"},
	)

	e.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "dispatches_total",
			Help:      "Total number of function dispatches",
		},
		[]string{"function", "outcome"},
	)

	e.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dialogd",
			Name:      "dispatch_latency_seconds",
			Help:      "Function dispatch latency in seconds, all attempts included",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"function"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.sessionBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "session_busy_total",
			Help:      "Turns rejected because the per-session queue was full",
		},
	)

	e.tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Name:      "tasks_submitted_total",
			Help:      "Async task submissions",
		},
		[]string{"type", "outcome"},
	)

	registry.MustRegister(
		e.turnLatency,
		e.turns,
		e.intents,
		e.dispatches,
		e.dispatchLatency,
		e.llmTokens,
		e.sessionBusy,
		e.tasksSubmitted,
	)

	return e
}

// ObserveCache registers a collector that reads hit/miss counts and size from
// the cache layer on every scrape.
func (e *Exporter) ObserveCache(layer *cache.Layer) {
	if e == nil || layer == nil {
		return
	}
	e.registry.MustRegister(&cacheCollector{layer: layer})
}

// RecordTurn records one completed turn.
func (e *Exporter) RecordTurn(status, responseType, intent string, latency time.Duration) {
	if e == nil {
		return
	}
	e.turns.WithLabelValues(status, responseType).Inc()
	e.turnLatency.WithLabelValues(status).Observe(latency.Seconds())
	if intent != "" {
		e.intents.WithLabelValues(intent).Inc()
	}
}

// RecordDispatch records one function dispatch outcome.
func (e *Exporter) RecordDispatch(function string, success bool, latency time.Duration) {
	if e == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	e.dispatches.WithLabelValues(function, outcome).Inc()
	e.dispatchLatency.WithLabelValues(function).Observe(latency.Seconds())
}

// RecordLLMTokens records LLM token usage.
func (e *Exporter) RecordLLMTokens(model, tokenType string, count int) {
	if e == nil || count <= 0 {
		return
	}
	e.llmTokens.WithLabelValues(model, tokenType).Add(float64(count))
}

// RecordSessionBusy records a busy rejection.
func (e *Exporter) RecordSessionBusy() {
	if e == nil {
		return
	}
	e.sessionBusy.Inc()
}

// RecordTaskSubmit records an async task submission.
func (e *Exporter) RecordTaskSubmit(taskType string, accepted bool) {
	if e == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	e.tasksSubmitted.WithLabelValues(taskType, outcome).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

var (
	cacheHitsDesc = prometheus.NewDesc(
		"dialogd_cache_hits_total",
		"Cache hits per namespace",
		[]string{"namespace"}, nil,
	)
	cacheMissesDesc = prometheus.NewDesc(
		"dialogd_cache_misses_total",
		"Cache misses per namespace",
		[]string{"namespace"}, nil,
	)
	cacheSizeDesc = prometheus.NewDesc(
		"dialogd_cache_entries",
		"Live cache entries across namespaces",
		nil, nil,
	)
)

// cacheCollector snapshots cache layer statistics at scrape time.
type cacheCollector struct {
	layer *cache.Layer
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheSizeDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.layer.GetStats()
	for ns, n := range stats.Hits {
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(n), string(ns))
	}
	for ns, n := range stats.Misses {
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(n), string(ns))
	}
	ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(stats.Size))
}
