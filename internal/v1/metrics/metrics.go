package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative workspace backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: session, room, lease, reaper (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants, leases)
// - Counter: Cumulative events (commits applied, lock denials, evictions)
// - Histogram: Latency distributions (commit processing time)

var (
	// ActiveWebSocketConnections tracks the current number of Live sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of rooms with at least one participant.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one participant",
	})

	// RoomParticipants tracks the number of participants in each room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// SessionEvents tracks the total number of inbound/outbound wire frames processed.
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"frame_type", "status"})

	// MessageProcessingDuration tracks the time spent processing wire frames.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a WebSocket frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// LeasesHeld tracks the current number of held leases per room.
	LeasesHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "lease",
		Name:      "held_count",
		Help:      "Number of leases currently held in each room",
	}, []string{"room_id"})

	// LockGrants tracks successful LOCK_ACQUIRE outcomes.
	LockGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "lease",
		Name:      "grants_total",
		Help:      "Total number of LOCK_ACQUIRE requests granted",
	}, []string{"room_id"})

	// LockDenials tracks LOCK_ACQUIRE requests rejected due to conflicting ownership.
	LockDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "lease",
		Name:      "denials_total",
		Help:      "Total number of LOCK_ACQUIRE requests denied",
	}, []string{"room_id"})

	// CommitsApplied tracks COMMIT frames accepted and broadcast as COMMIT_APPLY.
	CommitsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "commit",
		Name:      "applied_total",
		Help:      "Total number of commits applied",
	}, []string{"room_id"})

	// CommitsRejected tracks COMMIT frames rejected (lease not held, snapshot too large, snapshot store error).
	CommitsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "commit",
		Name:      "rejected_total",
		Help:      "Total number of commits rejected",
	}, []string{"room_id", "reason"})

	// ReaperEvictions tracks participants evicted for exceeding USER_TTL_MS.
	ReaperEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "reaper",
		Name:      "evictions_total",
		Help:      "Total number of participants evicted by the reaper",
	}, []string{"room_id"})

	// ReaperSweepDuration tracks the time spent on a single reaper sweep across all rooms.
	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "reaper",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent evaluating all rooms during one reaper sweep",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
