// Package metrics holds the Prometheus collectors exported by servwatch-server
// on /metrics. Collectors are package globals registered with the default
// registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	SnapshotsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_snapshots_received_total",
			Help: "Snapshots received from agents",
		},
		[]string{"outcome"}, // accepted, rejected
	)

	AgentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "servwatch_agents_connected",
			Help: "Agent websocket connections currently open",
		},
	)

	OwnershipLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_ownership_lookups_total",
			Help: "Tenant resolutions by result",
		},
		[]string{"result"}, // resolved, unresolved, error, cache_hit
	)

	// Fan-out
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_fanout_deliveries_total",
			Help: "Frames queued to subscriber sessions",
		},
		[]string{"kind"}, // snapshot, alert
	)

	FanoutFallback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_fanout_fallback_total",
			Help: "Publishes with an unresolved tenant that were broadcast to every session",
		},
		[]string{"kind"},
	)

	FanoutDroppedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servwatch_fanout_dropped_sessions_total",
			Help: "Sessions disconnected because their send buffer was full",
		},
	)

	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "servwatch_sessions_connected",
			Help: "Subscriber sessions currently connected",
		},
	)

	// Alerting
	AlertEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_alert_events_total",
			Help: "Alert events emitted by the evaluation engine",
		},
		[]string{"kind"}, // fired, resolved
	)

	RuleEvalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_rule_eval_errors_total",
			Help: "Rule evaluations skipped because of an error",
		},
		[]string{"reason"}, // path, compile, panic, list
	)

	// History
	HistoryWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_history_write_failures_total",
			Help: "Alert events that failed to persist, by backend",
		},
		[]string{"backend"},
	)

	HistoryQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "servwatch_history_queue_dropped_total",
			Help: "Alert events dropped because the history queue was full",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servwatch_panics_recovered_total",
			Help: "Panics recovered in background workers",
		},
		[]string{"component"},
	)
)
