package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all hub-level metrics (not component-specific)
type Metrics struct {
	// Registry metrics
	RegistrationsTotal  *prometheus.CounterVec
	RegistrationsActive prometheus.Gauge
	StateTransitions    *prometheus.CounterVec
	InvalidTransitions  *prometheus.CounterVec
	SupersededInstances prometheus.Counter

	// Heartbeat metrics
	HeartbeatsReceived *prometheus.CounterVec
	HeartbeatsMissed   *prometheus.CounterVec
	HeartbeatsOutOfSeq *prometheus.CounterVec
	RestartsScheduled  *prometheus.CounterVec

	// Bus metrics
	MessagesPublished *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	DeliveriesDropped *prometheus.CounterVec
	HistoryDepth      *prometheus.GaugeVec
	Subscribers       *prometheus.GaugeVec
	PumpDuration      prometheus.Histogram

	// Breaker metrics
	BreakerState        *prometheus.GaugeVec
	BreakerTransitions  *prometheus.CounterVec
	FallbackInvocations *prometheus.CounterVec
	CapabilityCalls     *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec

	// Resolver metrics
	CyclesDetected prometheus.Counter
	EdgesBroken    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all hub metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Total component registration attempts",
			},
			[]string{"result"},
		),

		RegistrationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hubkit",
				Subsystem: "registry",
				Name:      "registrations_active",
				Help:      "Registrations currently in a non-terminal state",
			},
		),

		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "registry",
				Name:      "state_transitions_total",
				Help:      "Accepted component state transitions",
			},
			[]string{"from", "to"},
		),

		InvalidTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "registry",
				Name:      "invalid_transitions_total",
				Help:      "Rejected component state transitions",
			},
			[]string{"from", "to"},
		),

		SupersededInstances: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "registry",
				Name:      "superseded_instances_total",
				Help:      "Registrations superseded by a newer instance",
			},
		),

		HeartbeatsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "heartbeat",
				Name:      "received_total",
				Help:      "Heartbeats accepted per component",
			},
			[]string{"component"},
		),

		HeartbeatsMissed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "heartbeat",
				Name:      "missed_total",
				Help:      "Heartbeat misses detected by sweep",
			},
			[]string{"component"},
		),

		HeartbeatsOutOfSeq: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "heartbeat",
				Name:      "out_of_sequence_total",
				Help:      "Heartbeats ignored due to stale sequence numbers",
			},
			[]string{"component"},
		),

		RestartsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "heartbeat",
				Name:      "restarts_scheduled_total",
				Help:      "Restart attempts scheduled for failed components",
			},
			[]string{"component"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Messages published per topic",
			},
			[]string{"topic"},
		),

		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "delivered_total",
				Help:      "Messages delivered to subscribers per topic",
			},
			[]string{"topic"},
		),

		DeliveriesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "deliveries_dropped_total",
				Help:      "Deliveries dropped due to slow or full subscribers",
			},
			[]string{"topic", "reason"},
		),

		HistoryDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "history_depth",
				Help:      "Retained history entries per topic",
			},
			[]string{"topic"},
		),

		Subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "subscribers",
				Help:      "Active subscribers per topic",
			},
			[]string{"topic"},
		),

		PumpDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "hubkit",
				Subsystem: "bus",
				Name:      "pump_duration_seconds",
				Help:      "Time spent draining one subscription queue",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1.0, 10.0},
			},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hubkit",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		FallbackInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "breaker",
				Name:      "fallback_invocations_total",
				Help:      "Fallback provider invocations per capability",
			},
			[]string{"capability", "provider"},
		),

		CapabilityCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "breaker",
				Name:      "capability_calls_total",
				Help:      "Capability call outcomes",
			},
			[]string{"capability", "status"},
		),

		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hubkit",
				Subsystem: "breaker",
				Name:      "call_duration_seconds",
				Help:      "Capability call duration",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"capability"},
		),

		CyclesDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "resolver",
				Name:      "cycles_detected_total",
				Help:      "Dependency cycles detected",
			},
		),

		EdgesBroken: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hubkit",
				Subsystem: "resolver",
				Name:      "edges_broken_total",
				Help:      "Dependency edges removed to break cycles",
			},
		),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegistrationsTotal,
		m.RegistrationsActive,
		m.StateTransitions,
		m.InvalidTransitions,
		m.SupersededInstances,
		m.HeartbeatsReceived,
		m.HeartbeatsMissed,
		m.HeartbeatsOutOfSeq,
		m.RestartsScheduled,
		m.MessagesPublished,
		m.MessagesDelivered,
		m.DeliveriesDropped,
		m.HistoryDepth,
		m.Subscribers,
		m.PumpDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.FallbackInvocations,
		m.CapabilityCalls,
		m.CallDuration,
		m.CyclesDetected,
		m.EdgesBroken,
	}
}
