package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway counters and gauges.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.Connections.Inc()
type Metrics struct {
	// Connections is the number of live websocket connections.
	Connections prometheus.Gauge

	// Events counts inbound events.
	// Labels: event, outcome (ok|error|rate_limited)
	Events *prometheus.CounterVec

	// Messages counts message:send outcomes.
	// Labels: outcome (accepted|slow_mode|blocked|invalid|forbidden|error)
	Messages *prometheus.CounterVec

	// Broadcasts counts frames queued to connections by event.
	// Labels: event
	Broadcasts *prometheus.CounterVec

	// Push counts external push attempts.
	// Labels: outcome (sent|gone|failed|dropped)
	Push *prometheus.CounterVec
}

// NewMetrics creates the gateway metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Number of live websocket connections",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Inbound events by name and outcome",
		}, []string{"event", "outcome"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "message:send outcomes",
		}, []string{"outcome"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broadcast_frames_total",
			Help: "Frames queued to connections by event",
		}, []string{"event"}),
		Push: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_push_total",
			Help: "External push attempts by outcome",
		}, []string{"outcome"}),
	}
}
