package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/logoledger/internal/ingest"
	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const namespace = "logoledger"

// Metrics holds every collector the service exports. Labels stay bounded:
// routes use the registered pattern, never the raw URL.
type Metrics struct {
	registry          *prometheus.Registry
	ledgerOperations  *prometheus.CounterVec
	webhooksReceived  *prometheus.CounterVec
	eventsProcessed   *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	httpInflight      prometheus.Gauge
	rateLimitRejected *prometheus.CounterVec
}

// NewMetrics registers collectors on a fresh registry together with the Go and process collectors.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		webhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Payment webhooks by receive outcome.",
		}, []string{"outcome"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_processed_total",
			Help:      "Inbox events processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "HTTP requests currently being served.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}, []string{"path"}),
	}
	metrics.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.ledgerOperations,
		metrics.webhooksReceived,
		metrics.eventsProcessed,
		metrics.httpRequests,
		metrics.httpLatency,
		metrics.httpInflight,
		metrics.rateLimitRejected,
	)
	return metrics
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// LogOperation counts ledger operations; it satisfies ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
}

// WebhookReceived satisfies ingest.Recorder.
func (metrics *Metrics) WebhookReceived(outcome string) {
	metrics.webhooksReceived.WithLabelValues(outcome).Inc()
}

// EventProcessed satisfies ingest.Recorder.
func (metrics *Metrics) EventProcessed(kind ingest.Kind, outcome string) {
	metrics.eventsProcessed.WithLabelValues(string(kind), outcome).Inc()
}

// HTTPStarted increments the in-flight gauge and returns the matching completion hook.
func (metrics *Metrics) HTTPStarted() func(method string, path string, status string, elapsed time.Duration) {
	metrics.httpInflight.Inc()
	return func(method string, path string, status string, elapsed time.Duration) {
		metrics.httpInflight.Dec()
		metrics.httpRequests.WithLabelValues(method, path, status).Inc()
		metrics.httpLatency.WithLabelValues(method, path).Observe(elapsed.Seconds())
	}
}

// RateLimited counts a request rejected by the limiter.
func (metrics *Metrics) RateLimited(path string) {
	metrics.rateLimitRejected.WithLabelValues(path).Inc()
}
