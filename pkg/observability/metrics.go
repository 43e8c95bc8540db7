// Package observability exposes the read-only operational surface: the
// prometheus metric series shared by all three daemons, plus the /healthz
// and /ready endpoints. Everything here is pull-based; nothing pushes.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every series the platform exports. Each daemon registers
// the full set; series it never touches simply stay at zero.
type Metrics struct {
	registry *prometheus.Registry

	// Bus ingest.
	PublishTotal *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	Inflight     prometheus.Gauge

	// Agent outbox.
	OutboxDepth           prometheus.Gauge
	OutboxBackoffMs       prometheus.Gauge
	AgentReadyState       prometheus.Gauge
	OutboxDroppedRejected prometheus.Counter

	// Fusion engine.
	IncidentsTotal *prometheus.CounterVec
	RuleErrors     *prometheus.CounterVec
	DeviceRisk     *prometheus.GaugeVec
}

// NewMetrics builds and registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_publish_total",
			Help: "Publish verdicts by status, class, and source.",
		}, []string{"status", "class", "source"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_queue_depth",
			Help: "Live records in the bus durable queue.",
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_inflight",
			Help: "Publish requests currently being served.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_outbox_depth",
			Help: "Live records in the agent outbox queue.",
		}),
		OutboxBackoffMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_outbox_backoff_ms",
			Help: "Current sender backoff in milliseconds.",
		}),
		AgentReadyState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_ready_state",
			Help: "1 when the agent outbox is writable, 0 otherwise.",
		}),
		OutboxDroppedRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_outbox_dropped_rejected_total",
			Help: "Envelopes dropped after a terminal REJECTED verdict.",
		}),
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusion_incidents_total",
			Help: "Incidents emitted by rule and severity.",
		}, []string{"rule_id", "severity"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fusion_rule_errors",
			Help: "Isolated rule evaluation failures by rule.",
		}, []string{"rule_id"}),
		DeviceRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_risk",
			Help: "Current device risk score in [0, 100].",
		}, []string{"device_id"}),
	}
	reg.MustRegister(
		m.PublishTotal, m.QueueDepth, m.Inflight,
		m.OutboxDepth, m.OutboxBackoffMs, m.AgentReadyState, m.OutboxDroppedRejected,
		m.IncidentsTotal, m.RuleErrors, m.DeviceRisk,
	)
	return m
}

// Registry exposes the underlying registry for the exposition handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
