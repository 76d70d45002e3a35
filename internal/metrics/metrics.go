// Package metrics provides Prometheus metrics for the wake engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No alarm or session ids in labels.

var (
	// TriggersTotal counts agent triggers by kind (occurrence, snooze).
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_triggers_total",
		Help: "Total number of triggers raised by the scheduling agent, by kind.",
	}, []string{"kind"})

	// SuppressedTotal counts triggers that landed on a disabled or deleted alarm.
	SuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wake_triggers_suppressed_total",
		Help: "Total number of triggers that went straight to the suppressed state.",
	})

	// TransitionsTotal counts accepted session transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_session_transitions_total",
		Help: "Total number of accepted session transitions, by target state and method.",
	}, []string{"to", "method"})

	// RejectedTotal counts rejected transition requests.
	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_session_rejected_total",
		Help: "Total number of rejected transition requests, by reason.",
	}, []string{"reason"})

	// DeliveryFallbackTotal counts alerts that fell back to the in-app surface.
	DeliveryFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_delivery_fallback_total",
		Help: "Total number of alerts delivered in-app after the primary notifier failed, by reason.",
	}, []string{"reason"})

	// ReconcileTotal counts replayed mutations by result.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_reconcile_mutations_total",
		Help: "Total number of replayed mutations, by op and result (applied, conflict, rejected, deferred).",
	}, []string{"op", "result"})

	// LossesTotal counts discarded queued mutations.
	LossesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_reconcile_losses_total",
		Help: "Total number of queued mutations discarded during reconciliation, by op.",
	}, []string{"op"})

	// SyncMessagesTotal counts cross-context messages by direction and kind.
	SyncMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_sync_messages_total",
		Help: "Total number of cross-context messages, by direction (in, out) and kind.",
	}, []string{"direction", "kind"})

	// BusDroppedTotal counts messages dropped by a bus or event stream.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wake_bus_dropped_total",
		Help: "Total number of messages dropped because a subscriber was not keeping up, by topic.",
	}, []string{"topic"})

	// Gauges

	// ScheduledOccurrences tracks entries in the agent heap.
	ScheduledOccurrences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wake_scheduled_entries",
		Help: "Current number of entries (occurrences and snooze wakes) in the agent heap.",
	})

	// PendingMutations tracks the offline queue length after each drain.
	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wake_pending_mutations",
		Help: "Number of mutations left in the offline queue after the last drain.",
	})
)

// IncBusDrop records a dropped message for the given topic.
func IncBusDrop(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic).Inc()
}

// HTTPRequestDuration tracks API latency by route pattern, never raw path.
var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wake_http_request_duration_seconds",
	Help:    "HTTP request latencies in seconds, by method, route and status.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})
