package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ItemEventCounter tracks observed item change events by type.
	ItemEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_item_events_total",
		Help: "Total number of item change events observed",
	}, []string{"type"})
	// CoalescedCounter tracks buffered updates overwritten before delivery.
	CoalescedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_updates_coalesced_total",
		Help: "Total number of item updates collapsed into a later update",
	})
	// FlushedCounter tracks buffered updates delivered by a flush.
	FlushedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_updates_flushed_total",
		Help: "Total number of buffered item updates delivered",
	})
	// ReconnectCounter tracks scheduled reconnection attempts.
	ReconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_reconnect_attempts_total",
		Help: "Total number of scheduled resubscribe attempts",
	})
	// ConnectionFailedCounter tracks subscriptions that exhausted their retries.
	ConnectionFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_connection_failures_total",
		Help: "Total number of subscriptions that gave up reconnecting",
	})
	// SubscriptionGauge reports the number of live session subscriptions.
	SubscriptionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_subscriptions",
		Help: "Current number of subscribed realtime managers",
	})
	// RateDecisionCounter tracks rate guard decisions by action and outcome.
	RateDecisionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_ratelimit_decisions_total",
		Help: "Total number of rate guard decisions",
	}, []string{"action", "outcome"})
	// LockConflictCounter tracks acquisitions denied because of another holder.
	LockConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_lock_conflicts_total",
		Help: "Total number of denied lock acquisitions",
	})
	// LockSweptCounter tracks expired locks cleared by the sweeper.
	LockSweptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_locks_swept_total",
		Help: "Total number of expired locks cleared",
	})
	// WatchDroppedCounter tracks watchers closed because they fell a full buffer behind.
	WatchDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_watch_dropped_total",
		Help: "Total number of watch streams closed because the reader fell behind",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers huddle core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ItemEventCounter,
		CoalescedCounter,
		FlushedCounter,
		ReconnectCounter,
		ConnectionFailedCounter,
		SubscriptionGauge,
		RateDecisionCounter,
		LockConflictCounter,
		LockSweptCounter,
		WatchDroppedCounter,
	)
}
