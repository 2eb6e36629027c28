package cdc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the listener's observability surface.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	FlushesTotal    prometheus.Counter
	DroppedTotal    prometheus.Counter
	ReconnectsTotal prometheus.Counter
	DebounceDepth   prometheus.Gauge
	CheckpointLSN   prometheus.Gauge
	ListenerState   prometheus.Gauge
}

// NewMetrics registers the listener metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_metadata_sync_cdc_events_total",
			Help: "Decoded replication events by relation.",
		}, []string{"relation"}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_cdc_flushes_total",
			Help: "Debounce windows flushed downstream.",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_cdc_dropped_total",
			Help: "Events dropped because the debounce buffer was full.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_cdc_reconnects_total",
			Help: "Replication connection attempts after a failure.",
		}),
		DebounceDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_cdc_debounce_depth",
			Help: "Paths currently held in the debounce buffer.",
		}),
		CheckpointLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_cdc_checkpoint_lsn",
			Help: "Confirmed replication slot position.",
		}),
		ListenerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_cdc_listener_state",
			Help: "Listener state (0 disconnected, 1 connecting, 2 streaming, 3 reconnecting, 4 shutdown).",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.FlushesTotal,
			m.DroppedTotal,
			m.ReconnectsTotal,
			m.DebounceDepth,
			m.CheckpointLSN,
			m.ListenerState,
		)
	}
	return m
}
