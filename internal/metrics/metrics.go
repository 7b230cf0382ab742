package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the domain collectors. One instance is created at startup
// and shared by every pipeline stage; tests build their own with a fresh
// registry.
type Metrics struct {
	DispatchAttempts *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec

	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec

	ModeChanges *prometheus.CounterVec
	CurrentMode prometheus.Gauge

	WebhookEvents    *prometheus.CounterVec
	RateLimitRefused *prometheus.CounterVec
	ComplianceReject *prometheus.CounterVec
	BusEvents        *prometheus.CounterVec
	DeadLettered     *prometheus.CounterVec
	ProviderFailover prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts by channel, provider and outcome class.",
		}, []string{"channel", "provider", "outcome"}),

		DispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notification",
			Name:      "dispatch_latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"channel", "provider"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "notification",
			Name:      "queue_depth",
			Help:      "Jobs in each queue (pending, delayed, dlq).",
		}, []string{"queue"}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "from", "to"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "notification",
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),

		ModeChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "mode_changes_total",
			Help:      "Degradation mode transitions.",
		}, []string{"from", "to"}),

		CurrentMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notification",
			Name:      "current_mode",
			Help:      "Current degradation mode (0 normal, 1 partial, 2 degraded, 3 critical).",
		}),

		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "webhook_events_total",
			Help:      "Inbound provider webhook events by verification result.",
		}, []string{"provider", "result"}),

		RateLimitRefused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "rate_limit_refusals_total",
			Help:      "Token bucket refusals by scope.",
		}, []string{"scope"}),

		ComplianceReject: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "compliance_rejections_total",
			Help:      "Compliance gate rejections by reason code.",
		}, []string{"reason"}),

		BusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "bus_events_total",
			Help:      "Consumed bus events by type and result.",
		}, []string{"event_type", "result"}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dead_lettered_total",
			Help:      "Jobs and events moved to a dead letter queue.",
		}, []string{"reason"}),

		ProviderFailover: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "provider_failover_total",
			Help:      "Sends where a backup provider was selected.",
		}),
	}
}

// NewForTesting returns metrics on a throwaway registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
