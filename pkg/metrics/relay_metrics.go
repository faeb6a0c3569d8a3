package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics for monitoring the inbound/outbound streams and the processor
var (
	// Relay queue
	RelayPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_published_total",
		Help: "Total number of entries appended to a relay stream",
	}, []string{"stream", "status"}) // status: ok, full, error

	RelayDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_delivered_total",
		Help: "Total number of entries handed to a consumer",
	}, []string{"stream", "outcome"}) // outcome: ack, redeliver

	RelayPartitionDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_partition_depth",
		Help: "Buffered entries per relay partition",
	}, []string{"stream", "partition"})

	// Envelope processor
	ProcessorMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processor_messages_total",
		Help: "Inbound entries processed by outcome",
	}, []string{"outcome"}) // stored, duplicate, dead_lettered, error

	ProcessorWrapRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processor_wrap_retries_total",
		Help: "Total number of WrapForStorage retries",
	})

	ProcessorStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "processor_step_duration_seconds",
		Help:    "Time spent in each processing step",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"step"}) // wrap, store, publish

	DeadLetterWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_letter_writes_total",
		Help: "Total number of dead-letter writes",
	}, []string{"status"})

	// Key registry
	KeyRegistryOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "key_registry_operations_total",
		Help: "Key registry operations by result",
	}, []string{"operation", "status"})

	KeyCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "key_cache_lookups_total",
		Help: "Key cache lookups by result",
	}, []string{"result"}) // hit, miss, error

	// Store
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_query_duration_seconds",
		Help:    "Message store latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"backend", "operation"})

	// Gateway delivery
	GatewayDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_delivered_total",
		Help: "Messages written to recipient sockets",
	}, []string{"source"}) // live, catchup, gap

	GatewayRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_routed_total",
		Help: "Outbound entries routed between gateway instances",
	}, []string{"result"}) // forwarded, offline, retried

	GatewaySupersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_superseded_total",
		Help: "Sessions closed because the same identity connected again",
	})
)

// ObserveStep records the duration of a processor step started at start
func ObserveStep(step string, start time.Time) {
	ProcessorStepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// ObserveStore records the duration of a store operation started at start
func ObserveStore(backend, operation string, start time.Time) {
	StoreQueryDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
