// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables
// with sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	AUDITTRAIL_HOST="0.0.0.0"
//	AUDITTRAIL_PORT="8080"
//	AUDITTRAIL_HEALTH_PORT="9090"
//
// Queue settings:
//
//	AUDITTRAIL_QUEUE_URL="https://sqs.us-east-1.amazonaws.com/123/audit-events"
//	AUDITTRAIL_TOPIC_ARN="arn:aws:sns:us-east-1:123:audit-events"  # or "bypass"
//	AUDITTRAIL_REGION="us-east-1"
//
// Storage settings (all s3:// URLs):
//
//	AUDITTRAIL_LONG_TERM_S3="s3://audit-long-term/events"
//	AUDITTRAIL_LARGE_PAYLOADS_S3="s3://audit-staging/large-payloads"
//	AUDITTRAIL_QUERY_RESULTS_S3="s3://audit-staging/query-results"
//
// Consolidation settings:
//
//	AUDITTRAIL_LOCK_NAME="consolidator"
//	AUDITTRAIL_LOCK_RETRY_INTERVAL="1m"
//	AUDITTRAIL_LEASE_TTL="5m"
//	AUDITTRAIL_BATCH_MAX_ITEMS="20000"
//	AUDITTRAIL_BATCH_MAX_INTERVAL="1m"
//	AUDITTRAIL_REDIS_URL="redis://localhost:6379"
//
// Query settings:
//
//	AUDITTRAIL_ATHENA_DATABASE="audit"
//	AUDITTRAIL_ATHENA_TABLE="audit_events"
//	AUDITTRAIL_ATHENA_WORKGROUP="primary"
//	AUDITTRAIL_QUERY_POLL_INTERVAL="100ms"
//	AUDITTRAIL_LIMITER_REFILL_AMOUNT="20"
//	AUDITTRAIL_LIMITER_REFILL_INTERVAL="1s"
//	AUDITTRAIL_LIMITER_BURST="20"
//
// Retention settings:
//
//	AUDITTRAIL_RETENTION_DAYS="365"
//	AUDITTRAIL_RETENTION_SCHEDULE="0 3 * * *"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/consumer, pkg/publisher, pkg/query: Consumers of these settings
package config
