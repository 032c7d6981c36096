// Package metrics holds the prometheus collectors exported at GET /metrics.
//
// A nil *Metrics is valid and records nothing, so components and tests can
// run without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgersync"

// Metrics groups every collector the service exports.
type Metrics struct {
	reg *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	cacheResults     *prometheus.CounterVec
	quotaUsed        *prometheus.GaugeVec
	webhookEvents    *prometheus.CounterVec
	webhookOutcomes  *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	syncUnits        *prometheus.CounterVec
}

// New creates the collectors and registers them (plus the Go runtime
// collectors) on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "HTTP requests sent to the upstream CRM, by operation and status code.",
		}, []string{"operation", "code"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_cache_results_total",
			Help:      "Quota cache lookups by operation and result (hit, fetched, stale, placeholder, error).",
		}, []string{"operation", "result"}),
		quotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_used_today",
			Help:      "Upstream calls consumed today per operation.",
		}, []string{"operation"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_received_total",
			Help:      "Inbound webhook deliveries by event type and receipt result.",
		}, []string{"event_type", "result"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_task_outcomes_total",
			Help:      "Webhook task executions by event type and resulting status.",
		}, []string{"event_type", "status"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts raised, by sink.",
		}, []string{"sink"}),
		syncUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_units_total",
			Help:      "Sale units processed by the contract synchronizer, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamRequests, m.cacheResults, m.quotaUsed,
		m.webhookEvents, m.webhookOutcomes, m.alerts, m.syncUnits,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) UpstreamRequest(op, code string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(op, code).Inc()
}

func (m *Metrics) CacheResult(op, result string) {
	if m == nil {
		return
	}
	m.cacheResults.WithLabelValues(op, result).Inc()
}

func (m *Metrics) QuotaUsed(op string, n int64) {
	if m == nil {
		return
	}
	m.quotaUsed.WithLabelValues(op).Set(float64(n))
}

func (m *Metrics) WebhookReceived(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) WebhookOutcome(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) Alert(sink string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(sink).Inc()
}

func (m *Metrics) SyncUnit(outcome string) {
	if m == nil {
		return
	}
	m.syncUnits.WithLabelValues(outcome).Inc()
}
