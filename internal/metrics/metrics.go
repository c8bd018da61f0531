package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resource kinds used as label values
const (
	KindPeriodicTimer = "periodic_timer"
	KindOneShotTimer  = "one_shot_timer"
	KindSubscription  = "subscription"
	KindBroadcast     = "broadcast"
	KindBuffer        = "working_buffer"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_connections_active",
		Help: "Number of active WebSocket connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_gateway_connections_total",
		Help: "Total number of accepted WebSocket connections",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_connection_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"reason"})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_sessions_active",
		Help: "Number of registered sessions",
	})

	// Resource tracking
	ActiveResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "push_gateway_resources_active",
		Help: "Number of live session-scoped resources",
	}, []string{"kind"})

	ResourcesReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_resources_released_total",
		Help: "Total number of session-scoped resources released on teardown",
	}, []string{"kind"})

	// History
	HistoryLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_history_length",
		Help: "Number of entries retained in the event log",
	})

	HistoryEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_gateway_history_evicted_total",
		Help: "Total number of event log entries evicted by the cap",
	})

	// Broadcast
	BroadcastRegistrations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_broadcast_registrations",
		Help: "Number of broadcast targets",
	})

	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_broadcast_deliveries_total",
		Help: "Total number of broadcast deliveries by result",
	}, []string{"result"})

	// Outbound delivery
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_delivery_failures_total",
		Help: "Total number of failed deliveries to a single connection",
	}, []string{"event"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"direction", "event"})

	// Command latency
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "push_gateway_command_latency_seconds",
		Help:    "Command handling latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"command"})

	ComputationIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_gateway_computation_iterations_total",
		Help: "Total number of heavy_computation units processed",
	})

	// Maintenance
	MaintenanceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_maintenance_ticks_total",
		Help: "Total number of maintenance ticks by result",
	}, []string{"result"})

	// Event bus
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "push_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// Configuration reload
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_config_reloads_total",
		Help: "Total number of configuration reloads by result",
	}, []string{"result"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// ResourceAcquired records a new live resource of the given kind
func ResourceAcquired(kind string) {
	ActiveResources.WithLabelValues(kind).Inc()
}

// ResourceReleased records the release of a live resource of the given kind
func ResourceReleased(kind string, n int) {
	if n <= 0 {
		return
	}
	ActiveResources.WithLabelValues(kind).Sub(float64(n))
	ResourcesReleased.WithLabelValues(kind).Add(float64(n))
}
