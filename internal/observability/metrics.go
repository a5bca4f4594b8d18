package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations counts document store operations by collection and operation.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_store_operations_total",
		Help: "Total number of document store operations",
	}, []string{"collection", "operation"})

	// StoreLatency records document store latency by operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duolink_store_latency_seconds",
		Help:    "Document store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// TransportErrors counts failed store operations.
	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_transport_errors_total",
		Help: "Total number of failed document store operations",
	}, []string{"operation"})

	// ActiveSubscriptions is the gauge of live subscriptions per collection root.
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "duolink_active_subscriptions",
		Help: "Number of live document subscriptions",
	}, []string{"collection"})

	// SnapshotsDelivered counts snapshots handed to subscribers.
	SnapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_snapshots_delivered_total",
		Help: "Total number of snapshots delivered to subscribers",
	}, []string{"collection"})

	// SkippedRecords counts records dropped by listeners because they failed to decode.
	SkippedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_skipped_records_total",
		Help: "Total number of records skipped by listeners",
	}, []string{"kind"})

	// CallTransitions counts call status writes by target status.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_call_transitions_total",
		Help: "Total number of call session status transitions",
	}, []string{"status"})

	// RejectedTransitions counts call transitions refused by the state machine.
	RejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_call_rejected_transitions_total",
		Help: "Total number of call status transitions refused",
	}, []string{"from", "to"})

	// ReadReceipts counts read-receipt writes.
	ReadReceipts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duolink_read_receipts_total",
		Help: "Total number of read receipts written",
	})

	// InvitationEvents counts invitation lifecycle events.
	InvitationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_invitation_events_total",
		Help: "Total number of invitation events by outcome",
	}, []string{"event"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// GatewayConnections is the gauge of open gateway websocket connections.
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duolink_gateway_connections",
		Help: "Number of open gateway websocket connections",
	})

	// ActiveSessions is the gauge of users with a running session controller.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duolink_active_sessions",
		Help: "Number of users with a running session",
	})

	// WebSocketBackpressureDrops counts events dropped for slow websocket readers.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duolink_websocket_backpressure_drops_total",
		Help: "Total number of websocket events dropped due to backpressure",
	}, []string{"reason"})
)

// TrackStore returns a function that records store latency when called (e.g. defer).
func TrackStore(operation string) func() {
	start := time.Now()
	return func() {
		StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
