// Package metrics declares the prometheus collectors shared by the pipeline
// stages. They register themselves on the default registry; the API serves
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestedVotes counts envelopes admitted by the ingestion API, by kind.
	IngestedVotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrutin_ingested_votes_total",
			Help: "Envelopes admitted by the ingestion API",
		}, []string{"kind"})

	// IngestRejected counts submissions rejected before entering the
	// pipeline, by reason (malformed, window, queue_full).
	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrutin_ingest_rejected_total",
			Help: "Submissions rejected by the ingestion API",
		}, []string{"reason"})

	// ValidatedVotes counts validation outcomes, by status.
	ValidatedVotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrutin_validated_votes_total",
			Help: "Envelopes processed by the validation workers",
		}, []string{"status"})

	// AggregatedEnvelopes counts envelopes folded into committed batches.
	AggregatedEnvelopes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrutin_aggregated_envelopes_total",
			Help: "Envelopes folded into committed tally batches",
		})

	// AggregationBatches counts committed tally batches.
	AggregationBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrutin_aggregation_batches_total",
			Help: "Committed tally batches",
		})

	// AggregationRetries counts failed batch commit attempts that were
	// retried.
	AggregationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrutin_aggregation_retries_total",
			Help: "Failed tally batch commits that were retried",
		})

	// DeadLettered counts items moved to the review queue by nacks, by
	// source queue.
	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrutin_dead_lettered_total",
			Help: "Items moved to the review queue after a rejection",
		}, []string{"queue"})

	// QueueDepth tracks the current depth of each pipeline queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scrutin_queue_depth",
			Help: "Current depth of each pipeline queue",
		}, []string{"queue"})

	// ValidationDuration observes per-envelope validation latency.
	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrutin_validation_seconds",
			Help:    "Latency histogram for validating one envelope",
			Buckets: prometheus.DefBuckets,
		})

	// FlushDuration observes tally batch commit latency.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrutin_aggregation_flush_seconds",
			Help:    "Latency histogram for committing one tally batch",
			Buckets: prometheus.DefBuckets,
		})

	// PublishDuration observes the ingestion publish confirm wait.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrutin_ingest_publish_seconds",
			Help:    "Latency histogram for confirming a queue publish",
			Buckets: prometheus.DefBuckets,
		})
)
