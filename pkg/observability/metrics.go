package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the audit pipeline
type Metrics struct {
	// Publisher metrics
	PublisherEmittedTotal *prometheus.CounterVec
	PublisherErrorsTotal  prometheus.Counter
	PublisherEmitDuration prometheus.Histogram

	// Consumer metrics
	ConsumerBatchProcessingDuration prometheus.Histogram
	ConsumerStoreFlushDuration      prometheus.Histogram
	ConsumerDeleteMessageDuration   prometheus.Histogram
	ConsumerBatchSize               prometheus.Histogram
	ConsumerBatchCount              prometheus.Counter
	ConsumerLastProcessedTimestamp  prometheus.Gauge
	ConsumerOldestMessageAge        prometheus.Gauge
	ConsumerCollectErrorsTotal      prometheus.Counter
	ConsumerSkippedRecordsTotal     prometheus.Counter

	// Query metrics
	QueryDuration         prometheus.Histogram
	QueryErrorsTotal      prometheus.Counter
	QueryRateLimitedTotal prometheus.Counter

	// Retention metrics
	RetentionDeletedObjectsTotal prometheus.Counter
}

// MetricsConfig adjusts histogram buckets to the configured batch interval.
type MetricsConfig struct {
	// BatchInterval is the consumer batch max wait; batch processing
	// duration buckets are scaled around it.
	BatchInterval time.Duration
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry, cfg MetricsConfig) *Metrics {
	if cfg.BatchInterval == 0 {
		cfg.BatchInterval = time.Minute
	}
	batchSeconds := cfg.BatchInterval.Seconds()

	m := &Metrics{
		PublisherEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_publisher_emitted_total",
				Help: "Total number of audit events published to the queue",
			},
			[]string{"encoding"},
		),
		PublisherErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_publisher_errors_total",
				Help: "Total number of publish failures",
			},
		),
		PublisherEmitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audittrail_publisher_emit_duration_seconds",
				Help:    "Duration of a single event publish including optional blob upload",
				Buckets: prometheus.DefBuckets,
			},
		),
		ConsumerBatchProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "audittrail_consumer_batch_processing_duration_seconds",
				Help: "Duration of processing a single batch of events",
				// Mostly interested in the range 0.9*batch to 2*batch.
				Buckets: append(
					[]float64{0.1 * batchSeconds, 0.2 * batchSeconds, 0.5 * batchSeconds, 0.75 * batchSeconds},
					prometheus.ExponentialBucketsRange(0.9*batchSeconds, 2*batchSeconds, 10)...),
			},
		),
		ConsumerStoreFlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audittrail_consumer_store_flush_duration_seconds",
				Help:    "Duration of flushing and closing columnar files in long-term storage",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		ConsumerDeleteMessageDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audittrail_consumer_delete_message_duration_seconds",
				Help:    "Duration of deleting consumed messages from the queue",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		ConsumerBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audittrail_consumer_batch_size_bytes",
				Help:    "Size in bytes of a single batch of events",
				Buckets: prometheus.ExponentialBucketsRange(200, 100*1024*1024, 10),
			},
		),
		ConsumerBatchCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_consumer_batch_count",
				Help: "Number of events consumed across batches",
			},
		),
		ConsumerLastProcessedTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audittrail_consumer_last_processed_timestamp",
				Help: "Timestamp of last finished consumer batch",
			},
		),
		ConsumerOldestMessageAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audittrail_consumer_oldest_processed_message_age_seconds",
				Help: "Age of oldest processed message in seconds",
			},
		),
		ConsumerCollectErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_consumer_collect_errors_total",
				Help: "Number of errors received while collecting messages from the queue",
			},
		),
		ConsumerSkippedRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_consumer_skipped_records_total",
				Help: "Number of records skipped due to decode or conversion failure",
			},
		),
		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audittrail_query_duration_seconds",
				Help:    "End-to-end duration of an analytic query (submit, poll, fetch)",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		QueryErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_query_errors_total",
				Help: "Total number of failed analytic queries",
			},
		),
		QueryRateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_query_rate_limited_total",
				Help: "Total number of queries rejected by the token-bucket limiter",
			},
		),
		RetentionDeletedObjectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_retention_deleted_objects_total",
				Help: "Total number of objects deleted by the retention sweeper",
			},
		),
	}

	registry.MustRegister(
		m.PublisherEmittedTotal,
		m.PublisherErrorsTotal,
		m.PublisherEmitDuration,
		m.ConsumerBatchProcessingDuration,
		m.ConsumerStoreFlushDuration,
		m.ConsumerDeleteMessageDuration,
		m.ConsumerBatchSize,
		m.ConsumerBatchCount,
		m.ConsumerLastProcessedTimestamp,
		m.ConsumerOldestMessageAge,
		m.ConsumerCollectErrorsTotal,
		m.ConsumerSkippedRecordsTotal,
		m.QueryDuration,
		m.QueryErrorsTotal,
		m.QueryRateLimitedTotal,
		m.RetentionDeletedObjectsTotal,
	)

	return m
}
