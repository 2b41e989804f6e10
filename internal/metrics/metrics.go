package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Synchronization coordinator metrics
var (
	// PublishesTotal tracks store publishes by outcome
	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_publishes_total",
			Help: "Total session publishes to the store by status",
		},
		[]string{"status"},
	)

	// PublishDuration tracks publish latency in seconds
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auxroom_publish_duration_seconds",
			Help:    "Session publish duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// StaleSnapshotsDropped counts remote snapshots discarded by the
	// sequence-number guard
	StaleSnapshotsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auxroom_stale_snapshots_dropped_total",
			Help: "Remote snapshots dropped because a newer sequence was already applied",
		},
	)

	// ResyncsTotal counts forced full resyncs from the store
	ResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_resyncs_total",
			Help: "Forced full resyncs from the store by reason",
		},
		[]string{"reason"},
	)

	// ReconnectsTotal counts change-feed reconnect attempts
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auxroom_feed_reconnects_total",
			Help: "Change-feed reconnect attempts",
		},
	)

	// LogEventsMerged counts playback events adopted from remote logs
	LogEventsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auxroom_log_events_merged_total",
			Help: "Playback events adopted from remote logs during union merge",
		},
	)
)

// Session metrics
var (
	// ActiveSessions tracks sessions currently hosted by this instance
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auxroom_active_sessions",
			Help: "Sessions currently active on this instance",
		},
	)

	// SessionListeners tracks the listener count per session
	SessionListeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auxroom_session_listeners",
			Help: "Listeners joined per session",
		},
		[]string{"session_id"},
	)

	// PlaybackCommandsTotal tracks accepted playback commands by verb
	PlaybackCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_playback_commands_total",
			Help: "Accepted playback commands by verb",
		},
		[]string{"verb"},
	)

	// QueueMutationsTotal tracks queue mutations by kind
	QueueMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_queue_mutations_total",
			Help: "Queue mutations by kind (append/remove/move)",
		},
		[]string{"kind"},
	)

	// JoinAttemptsTotal tracks join attempts by outcome
	JoinAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_join_attempts_total",
			Help: "Join attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Store metrics
var (
	// StoreOpsTotal tracks Redis document operations by operation and status
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_store_operations_total",
			Help: "Session store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// StoreOpDuration tracks store operation latency in seconds
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auxroom_store_operation_duration_seconds",
			Help:    "Session store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auxroom_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks the current breaker state
	// (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auxroom_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// WebSocket metrics
var (
	// WSConnectedClients tracks currently connected update-stream clients
	WSConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auxroom_ws_connected_clients",
			Help: "Currently connected session update-stream clients",
		},
	)

	// WSSlowClientsEvicted counts clients dropped for not keeping up
	WSSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auxroom_ws_slow_clients_evicted_total",
			Help: "Update-stream clients evicted because their send buffer filled",
		},
	)

	// WSPingFailures counts failed keepalive pings
	WSPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auxroom_ws_ping_failures_total",
			Help: "Failed WebSocket keepalive pings",
		},
	)

	// PlayerRelayDuration tracks playback-backend round trips in seconds
	PlayerRelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auxroom_player_relay_duration_seconds",
			Help:    "Playback backend command round trip duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
)
