// Package metrics is the Prometheus surface the distilled spec's monitoring
// section names: connection gauges, per-action message counters, Retry
// Engine outcome counters and Event Bridge delivery counters. Grounded on
// the teacher's internal/metrics package (promauto-registered collectors,
// no manual registry bookkeeping), relabeled from the Kafka pipeline's
// publish/consume counters to the Central Station's CP/bridge/retry
// vocabulary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live charge point WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "centralstation_active_cp_connections",
		Help: "Number of charge points currently connected.",
	})

	// MessagesTotal counts inbound CALLs handled and outbound CALLs sent,
	// labeled by direction (in/out) and action.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centralstation_messages_total",
		Help: "Total number of OCPP messages processed, by direction and action.",
	}, []string{"direction", "action"})

	// MessageProcessingSeconds observes per-frame handler latency, labeled
	// by action.
	MessageProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "centralstation_message_processing_seconds",
		Help:    "Histogram of per-frame handler processing time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// RetryPending reports the Retry Engine's current queue depth.
	RetryPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "centralstation_retry_pending",
		Help: "Number of outbound commands awaiting delivery or retry.",
	})

	// RetryOutcomesTotal counts entries the Retry Engine terminates, labeled
	// by outcome (fail:exhausted, fail:timeout, fail:disconnected); entries
	// resolved by a CALLRESULT or CALLERROR are not counted here.
	RetryOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centralstation_retry_outcomes_total",
		Help: "Total number of outbound commands reaching a terminal retry outcome.",
	}, []string{"outcome"})

	// BridgeEventsTotal counts Event Bridge outbound deliveries, labeled by
	// transport (http, redis) and result (sent, failed).
	BridgeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centralstation_bridge_events_total",
		Help: "Total number of events handed to the Event Bridge, by transport and result.",
	}, []string{"transport", "result"})

	// BridgeQueueDepth reports the Redis fallback queue's current length.
	BridgeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "centralstation_bridge_queue_depth",
		Help: "Current depth of the Event Bridge's Redis fallback queue.",
	})
)
