// Package metrics declares the Prometheus metrics exported by chatkit.
//
// Naming convention: namespace_subsystem_name
// - namespace: chatkit (application-level grouping)
// - subsystem: websocket, room, circuit_breaker, rate_limit, redis, stats, aggregation
// - name: specific metric (connections_active, events_total, etc.)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSocketConnections tracks the current number of active connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatkit",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one local subscriber.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatkit",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one local subscriber",
	})

	// RoomOnlineCount tracks the online user count per room as observed by this instance.
	RoomOnlineCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatkit",
		Subsystem: "room",
		Name:      "online_count",
		Help:      "Online user count for a room",
	}, []string{"room_id"})

	// WebsocketEvents tracks frames processed, by kind and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent handling inbound frames.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatkit",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// BroadcastDropped tracks frames dropped by the broadcaster due to a full subscriber buffer.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "room",
		Name:      "broadcast_dropped_total",
		Help:      "Total frames dropped for a slow subscriber",
	}, []string{"room_id"})

	// CircuitBreakerState tracks the current state of a named circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatkit",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by a circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks every request checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of store operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of store operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of store operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatkit",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// StreamEventsAppended tracks presence events appended to the event log.
	StreamEventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "stats",
		Name:      "events_appended_total",
		Help:      "Total presence events appended to the event log",
	}, []string{"event_type"})

	// StatsConsumerBatchSize observes the number of events per flushed batch.
	StatsConsumerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chatkit",
		Subsystem: "stats",
		Name:      "consumer_batch_size",
		Help:      "Number of events flushed per batch",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	// StatsConsumerPoisonEvents tracks events that failed to parse and were acked without being persisted.
	StatsConsumerPoisonEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "stats",
		Name:      "consumer_poison_events_total",
		Help:      "Total events that could not be parsed and were acknowledged without persistence",
	})

	// AggregationRunsTotal tracks aggregation pipeline runs by granularity and outcome.
	AggregationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatkit",
		Subsystem: "aggregation",
		Name:      "runs_total",
		Help:      "Total aggregation pipeline runs",
	}, []string{"granularity", "status"})

	// AggregationDuration tracks the duration of an aggregation run.
	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatkit",
		Subsystem: "aggregation",
		Name:      "run_duration_seconds",
		Help:      "Duration of an aggregation pipeline run",
		Buckets:   prometheus.DefBuckets,
	}, []string{"granularity"})
)

// IncConnection records a newly accepted connection.
func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

// DecConnection records a torn-down connection.
func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
