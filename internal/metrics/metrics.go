package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns every collector the service exports. Each instance has its own
// registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	AuthRejections      *prometheus.CounterVec

	WebhookEvents      *prometheus.CounterVec
	WebhookOrphans     prometheus.Counter
	SubscriptionChange *prometheus.CounterVec

	QuotaResets  prometheus.Counter
	QuotaDenials prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		AuthRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_rejections_total",
				Help: "Total number of unauthorized requests",
			},
			[]string{"reason"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Billing webhook deliveries by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		WebhookOrphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhook_orphan_events_total",
			Help: "Webhook events whose customer id matched no subscription row",
		}),
		SubscriptionChange: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_transitions_total",
				Help: "Subscription row transitions by source and transition",
			},
			[]string{"source", "transition"},
		),
		QuotaResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_resets_total",
			Help: "Monthly usage counters reset",
		}),
		QuotaDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Generation requests refused because the quota was exhausted",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthRejections,
		m.WebhookEvents,
		m.WebhookOrphans,
		m.SubscriptionChange,
		m.QuotaResets,
		m.QuotaDenials,
	)
	return m
}

func (m *Metrics) ObserveWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveOrphan() {
	if m == nil {
		return
	}
	m.WebhookOrphans.Inc()
}

func (m *Metrics) ObserveTransition(source, transition string) {
	if m == nil {
		return
	}
	m.SubscriptionChange.WithLabelValues(source, transition).Inc()
}

func (m *Metrics) ObserveQuotaReset(n int) {
	if m == nil {
		return
	}
	m.QuotaResets.Add(float64(n))
}

func (m *Metrics) ObserveQuotaDenial() {
	if m == nil {
		return
	}
	m.QuotaDenials.Inc()
}
