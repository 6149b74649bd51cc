package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the hub's operational counters.
type Metrics struct {
	DevicesConnected   prometheus.Gauge
	OperatorsConnected prometheus.Gauge
	EventsRouted       *prometheus.CounterVec
	SendFailures       prometheus.Counter
	PersistFailures    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marquee_devices_connected",
			Help: "Number of devices with a live session.",
		}),
		OperatorsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marquee_operators_connected",
			Help: "Number of attached operator consoles.",
		}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marquee_events_routed_total",
			Help: "Inbound envelopes routed, by event name.",
		}, []string{"event"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "marquee_sends_failed_total",
			Help: "Outbound sends that failed or were dropped.",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "marquee_telemetry_persist_failures_total",
			Help: "Telemetry writes rejected by the store.",
		}),
	}
}
