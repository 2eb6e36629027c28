package canary

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the egress pipeline's observability surface.
type Metrics struct {
	RequestsTotal   prometheus.Counter
	SuccessTotal    prometheus.Counter
	RetryTotal      prometheus.Counter
	FailureTotal    prometheus.Counter
	DeadLetterTotal *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	QueueDropped    prometheus.Counter
	CircuitState    prometheus.Gauge
}

// NewMetrics registers the egress metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_requests_total",
			Help: "Write requests attempted against the historian.",
		}),
		SuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_success_total",
			Help: "Tags delivered successfully.",
		}),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_retry_total",
			Help: "Write attempts retried after a transient failure.",
		}),
		FailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_failure_total",
			Help: "Batches that exhausted the retry budget.",
		}),
		DeadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_dead_letter_total",
			Help: "Diffs handed to the dead-letter store by error kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_egress_queue_depth",
			Help: "Diffs waiting in the egress queue.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_egress_queue_dropped_total",
			Help: "Diffs diverted to the dead-letter store because the queue was full.",
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_egress_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.SuccessTotal,
			m.RetryTotal,
			m.FailureTotal,
			m.DeadLetterTotal,
			m.QueueDepth,
			m.QueueDropped,
			m.CircuitState,
		)
	}
	return m
}
