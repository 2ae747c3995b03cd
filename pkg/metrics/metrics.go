// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks live websocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of live client connections",
		},
	)

	// RoomsActive tracks rooms with at least one member, by kind.
	RoomsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Number of rooms currently held by the room table",
		},
		[]string{"kind"},
	)

	// EventsPublished tracks published events by name.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Total events published to rooms",
		},
		[]string{"event"},
	)

	// Deliveries tracks per-connection deliveries by outcome.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_deliveries_total",
			Help: "Per-connection event deliveries",
		},
		[]string{"outcome"},
	)

	// RelayMessages tracks cross-node relay traffic.
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_relay_messages_total",
			Help: "Events mirrored to or received from peer nodes",
		},
		[]string{"direction", "outcome"},
	)

	// TypingTransitions tracks typing indicator starts and stops by cause.
	TypingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_typing_transitions_total",
			Help: "Typing indicator transitions",
		},
		[]string{"transition"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks appended messages by sender kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"sender"},
	)

	// BridgeActions tracks delivery bridge actions by outcome.
	BridgeActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_actions_total",
			Help: "Delivery bridge actions",
		},
		[]string{"action", "outcome"},
	)

	// ClassifierDuration tracks classifier latency.
	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_duration_seconds",
			Help:    "Classifier call duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider", "outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBridgeAction records the outcome of a delivery bridge action.
func RecordBridgeAction(action string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	BridgeActions.WithLabelValues(action, outcome).Inc()
}

// RecordClassification records a classifier call.
func RecordClassification(provider, outcome string, duration float64) {
	ClassifierDuration.WithLabelValues(provider, outcome).Observe(duration)
}
