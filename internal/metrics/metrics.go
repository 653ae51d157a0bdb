// Package metrics holds the Prometheus collectors shared by the pipeline stages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesTracked is the number of files with an active tailer.
	FilesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logshipper_files_tracked",
		Help: "Number of files currently being tailed",
	})

	// CheckpointCommits counts durable checkpoint commits.
	CheckpointCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logshipper_checkpoint_commits_total",
		Help: "Total number of checkpoint commits to the store",
	})

	// TailerPayloads counts payloads handed to the shared channel, by outcome.
	TailerPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logshipper_tailer_payloads_total",
		Help: "Total number of tailer payloads by outcome (sent, dropped)",
	}, []string{"outcome"})

	// TailerBytes counts raw bytes emitted by all tailers.
	TailerBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logshipper_tailer_bytes_total",
		Help: "Total number of raw bytes emitted by tailers",
	})

	// ParseErrors counts records rejected by the parser.
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logshipper_parse_errors_total",
		Help: "Total number of records that failed to parse",
	})

	// RecordsSubmitted counts records accepted by the batcher, by ingress.
	RecordsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logshipper_records_submitted_total",
		Help: "Total number of records accepted by the buffer",
	}, []string{"ingress"})

	// BufferDropped counts records discarded by the overflow policy.
	BufferDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logshipper_buffer_dropped_total",
		Help: "Total number of records dropped by the overflow policy",
	}, []string{"policy"})

	// BufferedRecords is the number of records held (open + ready batches).
	BufferedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logshipper_buffered_records",
		Help: "Number of records buffered and not yet shipped",
	})

	// BatchesFlushed counts closed batches, by trigger.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logshipper_batches_flushed_total",
		Help: "Total number of batches closed by trigger (size, bytes, timeout, close, recovery)",
	}, []string{"trigger"})

	// BatchesShipped counts batches acknowledged by the sink.
	BatchesShipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logshipper_batches_shipped_total",
		Help: "Total number of batches acknowledged by the sink",
	})

	// ShipFailures counts failed connect or send attempts, by stage.
	ShipFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logshipper_ship_failures_total",
		Help: "Total number of failed shipper attempts by stage (connect, send)",
	}, []string{"stage"})

	// ShipLatency measures send-to-ack latency.
	ShipLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logshipper_ship_latency_seconds",
		Help:    "Latency between batch send and sink acknowledgement",
		Buckets: prometheus.DefBuckets,
	})

	// ShipperHealthy is 1 while the shipper is healthy, 0 otherwise.
	ShipperHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logshipper_shipper_healthy",
		Help: "Whether the shipper is healthy (1) or applying backpressure (0)",
	})
)
