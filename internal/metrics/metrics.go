// Package metrics owns the prometheus registry and every instrument the
// gateway and the worker emit.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service instruments around a private registry so
// tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDurationMS  *prometheus.HistogramVec
	HTTPRequestErrorsTotal *prometheus.CounterVec

	JobsCreatedTotal *prometheus.CounterVec
	JobsFailedTotal  *prometheus.CounterVec

	UnderwriteDurationSeconds *prometheus.HistogramVec
	ParserSeconds             *prometheus.HistogramVec
	CollateralSeconds         *prometheus.HistogramVec
	LLMSeconds                *prometheus.HistogramVec

	WebhookAttemptsTotal *prometheus.CounterVec
	WebhookFailuresTotal *prometheus.CounterVec
}

// New builds and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	httpLabels := []string{"method", "path", "status_code", "tenant_id"}

	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, httpLabels),
		HTTPRequestDurationMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, httpLabels),
		HTTPRequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Total HTTP requests that returned 5xx responses.",
		}, httpLabels),
		JobsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "underwriting_jobs_created_total",
			Help: "Total underwriting jobs created.",
		}, []string{"tenant_id"}),
		JobsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "underwriting_jobs_failed_total",
			Help: "Total underwriting jobs failed.",
		}, []string{"tenant_id"}),
		UnderwriteDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "underwriting_duration_seconds",
			Help: "Underwriting duration in seconds by stage.",
		}, []string{"tenant_id", "stage"}),
		ParserSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "underwriting_parser_duration_seconds",
			Help: "Bank statement parsing duration.",
		}, []string{"tenant_id"}),
		CollateralSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "underwriting_collateral_duration_seconds",
			Help: "Collateral valuation call duration.",
		}, []string{"tenant_id"}),
		LLMSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "underwriting_llm_duration_seconds",
			Help: "LLM memo generation duration.",
		}, []string{"tenant_id"}),
		WebhookAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "underwriting_webhook_attempts_total",
			Help: "Total webhook delivery attempts.",
		}, []string{"tenant_id", "status"}),
		WebhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "underwriting_webhook_failures_total",
			Help: "Total webhook deliveries that exhausted retries.",
		}, []string{"tenant_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDurationMS, m.HTTPRequestErrorsTotal,
		m.JobsCreatedTotal, m.JobsFailedTotal,
		m.UnderwriteDurationSeconds, m.ParserSeconds, m.CollateralSeconds, m.LLMSeconds,
		m.WebhookAttemptsTotal, m.WebhookFailuresTotal,
	)
	return m
}

// RegisterQueueDepth exposes queue_backlog{queue} backed by fn.
func (m *Metrics) RegisterQueueDepth(queue string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "queue_backlog",
		Help:        "Number of queued underwriting jobs.",
		ConstLabels: prometheus.Labels{"queue": queue},
	}, fn))
}

// Handler serves the text exposition format for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

// ObserveSince records the elapsed seconds since start on a histogram.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
