// Package metrics exposes the service's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "allinone"

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

type Metrics struct {
	registry       *prometheus.Registry
	webhookEvents  *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	claims         *prometheus.CounterVec
	linkage        *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Usage quota decisions by policy and result.",
		}, []string{"policy", "result"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_purchase_claims_total",
			Help:      "Pending purchase claim attempts by result.",
		}, []string{"result"}),
		linkage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_writes_total",
			Help:      "Entitlement writes by linkage path.",
		}, []string{"path"}),
	}
	registry.MustRegister(m.webhookEvents, m.quotaDecisions, m.claims, m.linkage)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// QuotaDecision records a quota check. result is allowed, denied or error.
func (m *Metrics) QuotaDecision(policy, result string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(policy, result).Inc()
}

func (m *Metrics) Claim(claimed bool) {
	if m == nil {
		return
	}
	result := "none"
	if claimed {
		result = "claimed"
	}
	m.claims.WithLabelValues(result).Inc()
}

// EntitlementWrite records how an entitlement reached a user: by_user,
// by_email, deferred, by_refs or refund.
func (m *Metrics) EntitlementWrite(path string) {
	if m == nil {
		return
	}
	m.linkage.WithLabelValues(path).Inc()
}
