package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's operational counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Rooms           prometheus.Gauge
	TypingEntries   prometheus.Gauge
	MessagesIn      *prometheus.CounterVec
	EventsOut       prometheus.Counter
	EventsDropped   prometheus.Counter
	SweepEvictions  *prometheus.CounterVec
	RateLimited     prometheus.Counter
	ProtocolErrors  prometheus.Counter
	BackplaneErrors prometheus.Counter
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections_active",
			Help:      "Number of live websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one local member.",
		}),
		TypingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "typing_entries",
			Help:      "Number of live typing indicator entries.",
		}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_in_total",
			Help:      "Inbound client messages by kind.",
		}, []string{"kind"}),
		EventsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_out_total",
			Help:      "Events enqueued for delivery to clients.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_dropped_total",
			Help:      "Ephemeral events dropped for slow consumers.",
		}),
		SweepEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sweep_evictions_total",
			Help:      "Entries evicted by TTL sweeps.",
		}, []string{"sweeper"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rate_limited_total",
			Help:      "Client commands rejected by the rate limiter.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages rejected as invalid.",
		}),
		BackplaneErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "backplane_errors_total",
			Help:      "Backplane publish or subscribe failures.",
		}),
	}

	registry.MustRegister(
		m.Connections, m.Rooms, m.TypingEntries,
		m.MessagesIn, m.EventsOut, m.EventsDropped,
		m.SweepEvictions, m.RateLimited, m.ProtocolErrors, m.BackplaneErrors,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
