// Package metrics defines Prometheus instruments for the realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// HubActiveConnections tracks registered WebSocket connections.
	HubActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_connections",
			Help: "Number of registered WebSocket connections",
		},
	)

	// HubActiveRooms tracks rooms with at least one member.
	HubActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of rooms with at least one member",
		},
	)

	// HubDeliveriesTotal tracks delivered messages by delivery kind.
	HubDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_deliveries_total",
			Help: "Messages delivered to client send buffers by target kind",
		},
		[]string{"kind"},
	)

	// HubSlowClientsEvicted tracks clients dropped for a full send buffer.
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Clients disconnected because their send buffer was full",
		},
	)

	// HubCommandChannelDepth tracks pending commands in the hub actor.
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current depth of the hub command channel",
		},
	)

	// HubPanicsTotal tracks recovered panics in the hub run loop.
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_recovered_total",
			Help: "Panics recovered in the hub run loop",
		},
	)

	// HubStopTimeoutsTotal tracks hub shutdowns that exceeded the stop timeout.
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub shutdowns that exceeded the stop timeout",
		},
	)
)

// WebSocket writer metrics
var (
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to write a message to a WebSocket connection",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Failed WebSocket ping writes (client likely gone)",
		},
	)
)

// Event handling metrics
var (
	// EventsDispatchedTotal tracks inbound client events by type and outcome.
	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Inbound client events by type and outcome (ok/failed)",
		},
		[]string{"type", "outcome"},
	)
)

// Authentication metrics
var (
	// AuthFailuresTotal tracks rejected connection attempts by reason.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Rejected connection attempts by reason",
		},
		[]string{"reason"},
	)

	// IdentityCacheRequestsTotal tracks identity cache lookups by result.
	IdentityCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_cache_requests_total",
			Help: "Identity cache lookups by result (hit/miss/error)",
		},
		[]string{"result"},
	)
)

// Reconciler metrics
var (
	ReconcileRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Completed presence reconciliation sweeps",
		},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of a presence reconciliation sweep",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	ReconciledRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_rooms_last_sweep",
			Help: "Rooms covered by the last reconciliation sweep",
		},
	)
)

// Connection limit metrics
var (
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Connections rejected by limiters, by reason",
		},
		[]string{"reason"},
	)
)

// Circuit breaker metrics
var (
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
