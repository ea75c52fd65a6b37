// Package metrics holds the relay's Prometheus collectors. They register
// with the default registry and are served on the admin listener's /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "navrelay"

// Ingestion Metrics
var (
	// DatagramsReceived counts records read from a source, labelled by source (udp, pcap, serial)
	DatagramsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "datagrams_received_total",
			Help:      "Total records read from a source, before empty filtering",
		},
		[]string{"source"},
	)

	// DatagramsEmpty counts records discarded because they were empty after decode and trim
	DatagramsEmpty = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "datagrams_empty_total",
			Help:      "Total records dropped as empty after decode and trim",
		},
		[]string{"source"},
	)

	// ReceiveErrors counts transient receive errors that were retried
	ReceiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "receive_errors_total",
			Help:      "Total transient datagram receive errors",
		},
	)
)

// Relay Metrics
var (
	// PayloadsRelayed counts payloads handed to Broadcast
	PayloadsRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "payloads_relayed_total",
			Help:      "Total payloads offered to the subscriber set",
		},
	)

	// SubscribersCurrent tracks registered subscribers
	SubscribersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers_current",
			Help:      "Number of currently registered WebSocket subscribers",
		},
	)

	// SubscribersTotal counts successful handshakes
	SubscribersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers_total",
			Help:      "Total WebSocket subscribers accepted",
		},
	)

	// DeliveryFailures counts failed offers or writes, labelled by reason (queue_full, closed, write)
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivery_failures_total",
			Help:      "Total per-subscriber delivery failures by reason",
		},
		[]string{"reason"},
	)

	// SubscribersEvicted counts subscribers removed because delivery failed
	SubscribersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscribers_evicted_total",
			Help:      "Total subscribers removed after a delivery failure",
		},
	)

	// HandshakeFailures counts rejected WebSocket upgrades
	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "handshake_failures_total",
			Help:      "Total WebSocket upgrade attempts that failed",
		},
	)

	// DeliveryLatency tracks the time from Broadcast to a completed write
	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "delivery_latency_seconds",
			Help:      "Time from broadcast to completed WebSocket write",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .5, 2},
		},
	)
)
