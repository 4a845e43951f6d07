// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown for the audit pipeline.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("queue_url", cfg.QueueURL).Info("Consumer started")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry, observability.MetricsConfig{})
//	metrics.ConsumerBatchCount.Add(float64(len(batch)))
//
// The metric set covers the three pipeline phases: publisher emits, batch
// consolidation (batch duration, flush duration, delete duration, batch
// size, oldest message age, collect errors, skipped records), and query
// execution.
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(redisClient, s3Client, bucket)
//	mux.HandleFunc("/healthz", checker.Liveness)
//	mux.HandleFunc("/readyz", checker.Readiness)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/consumer, pkg/publisher, pkg/query: Metric producers
package observability
