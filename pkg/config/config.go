package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

const (
	// defaultBatchMaxItems is a soft cap on the number of events in a single
	// columnar file. 20000 items at an average 500KB event is about 10MB.
	defaultBatchMaxItems = 20000
	// defaultBatchMaxInterval defines how often columnar files are created
	// when the item cap is not reached first.
	defaultBatchMaxInterval = 1 * time.Minute

	// TopicARNBypass is a magic value for TopicARN signifying that events
	// should be sent directly to the SQS queue instead of through SNS.
	TopicARNBypass = "bypass"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Queue         QueueConfig
	Storage       StorageConfig
	Consolidation ConsolidationConfig
	Query         QueryConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// QueueConfig holds the ingestion transport configuration
type QueueConfig struct {
	// QueueURL is the URL of the SQS queue subscribed to the SNS topic, or
	// used directly when TopicARN is "bypass" (required).
	QueueURL string
	// TopicARN is the SNS topic events are emitted to (required).
	TopicARN string
	// Region is where SQS, SNS, S3 and Athena live.
	Region string
}

// S3Location is a parsed s3:// URL
type S3Location struct {
	URL    string
	Bucket string
	Prefix string
}

// StorageConfig holds the three storage locations used by the pipeline
type StorageConfig struct {
	// LongTerm is where columnar files partitioned by date are stored (required).
	LongTerm S3Location
	// LargePayloads is where oversized event payloads are staged between
	// publish and consolidation (required).
	LargePayloads S3Location
	// QueryResults is where the analytic engine stages query output (required).
	QueryResults S3Location
}

// ConsolidationConfig holds batching and leader-election configuration
type ConsolidationConfig struct {
	// RedisURL locates the lease store (required unless Disabled).
	RedisURL string
	// LockName names the consolidator lease.
	LockName string
	// LockRetryInterval is how often a candidate without the lease polls for it.
	LockRetryInterval time.Duration
	// LeaseTTL bounds the failover window after a holder crash.
	LeaseTTL time.Duration
	// BatchMaxItems is the soft cap of events per batch.
	BatchMaxItems int
	// BatchMaxInterval is the max wait before a batch is cut.
	BatchMaxInterval time.Duration
	// Disabled turns the consumer off on this instance.
	Disabled bool
}

// QueryConfig holds analytic engine configuration
type QueryConfig struct {
	// Database is the Glue database queries run against (required).
	Database string
	// Table is the Glue table queries run against (required).
	Table string
	// Workgroup is the Athena workgroup (optional).
	Workgroup string
	// PollInterval is how often a running query's status is checked.
	PollInterval time.Duration
	// LimiterRefillAmount tokens are added every LimiterRefillInterval,
	// up to LimiterBurst. Zero values disable the limiter.
	LimiterRefillAmount   int
	LimiterRefillInterval time.Duration
	LimiterBurst          int
}

// RetentionConfig holds the retention sweeper configuration
type RetentionConfig struct {
	// Days is the retention window; date partitions older than this are
	// deleted. Zero disables the sweeper.
	Days int
	// Schedule is a cron expression for sweep runs.
	Schedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("AUDITTRAIL_HOST", "0.0.0.0"),
			Port:            getEnv("AUDITTRAIL_PORT", "8080"),
			ReadTimeout:     getEnvDuration("AUDITTRAIL_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("AUDITTRAIL_WRITE_TIMEOUT", 2*time.Minute),
			ShutdownTimeout: getEnvDuration("AUDITTRAIL_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("AUDITTRAIL_HEALTH_PORT", "9090"),
		},
		Queue: QueueConfig{
			QueueURL: getEnv("AUDITTRAIL_QUEUE_URL", ""),
			TopicARN: getEnv("AUDITTRAIL_TOPIC_ARN", ""),
			Region:   getEnv("AUDITTRAIL_REGION", ""),
		},
		Consolidation: ConsolidationConfig{
			RedisURL:          getEnv("AUDITTRAIL_REDIS_URL", ""),
			LockName:          getEnv("AUDITTRAIL_LOCK_NAME", "consolidator"),
			LockRetryInterval: getEnvDuration("AUDITTRAIL_LOCK_RETRY_INTERVAL", defaultBatchMaxInterval),
			LeaseTTL:          getEnvDuration("AUDITTRAIL_LEASE_TTL", 5*defaultBatchMaxInterval),
			BatchMaxItems:     getEnvInt("AUDITTRAIL_BATCH_MAX_ITEMS", defaultBatchMaxItems),
			BatchMaxInterval:  getEnvDuration("AUDITTRAIL_BATCH_MAX_INTERVAL", defaultBatchMaxInterval),
			Disabled:          getEnvBool("AUDITTRAIL_CONSUMER_DISABLED", false),
		},
		Query: QueryConfig{
			Database:              getEnv("AUDITTRAIL_ATHENA_DATABASE", ""),
			Table:                 getEnv("AUDITTRAIL_ATHENA_TABLE", ""),
			Workgroup:             getEnv("AUDITTRAIL_ATHENA_WORKGROUP", ""),
			PollInterval:          getEnvDuration("AUDITTRAIL_QUERY_POLL_INTERVAL", 100*time.Millisecond),
			LimiterRefillAmount:   getEnvInt("AUDITTRAIL_LIMITER_REFILL_AMOUNT", 0),
			LimiterRefillInterval: getEnvDuration("AUDITTRAIL_LIMITER_REFILL_INTERVAL", time.Second),
			LimiterBurst:          getEnvInt("AUDITTRAIL_LIMITER_BURST", 0),
		},
		Retention: RetentionConfig{
			Days:     getEnvInt("AUDITTRAIL_RETENTION_DAYS", 0),
			Schedule: getEnv("AUDITTRAIL_RETENTION_SCHEDULE", "0 3 * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("AUDITTRAIL_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("AUDITTRAIL_METRICS_ENABLED", true),
		},
	}

	var err error
	if cfg.Storage.LongTerm, err = ParseS3Location(getEnv("AUDITTRAIL_LONG_TERM_S3", "")); err != nil {
		return nil, fmt.Errorf("invalid AUDITTRAIL_LONG_TERM_S3: %w", err)
	}
	if cfg.Storage.LargePayloads, err = ParseS3Location(getEnv("AUDITTRAIL_LARGE_PAYLOADS_S3", "")); err != nil {
		return nil, fmt.Errorf("invalid AUDITTRAIL_LARGE_PAYLOADS_S3: %w", err)
	}
	if cfg.Storage.QueryResults, err = ParseS3Location(getEnv("AUDITTRAIL_QUERY_RESULTS_S3", "")); err != nil {
		return nil, fmt.Errorf("invalid AUDITTRAIL_QUERY_RESULTS_S3: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

var isAlphanumericOrUnderscoreRe = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Queue.QueueURL == "" {
		return fmt.Errorf("queue URL is required")
	}
	if u, err := url.Parse(c.Queue.QueueURL); err != nil || u.Scheme != "https" {
		return fmt.Errorf("queue URL must be a valid https URL")
	}
	if c.Queue.TopicARN == "" {
		return fmt.Errorf("topic ARN is required (use %q to send directly to the queue)", TopicARNBypass)
	}

	if c.Storage.LongTerm.Bucket == "" {
		return fmt.Errorf("long-term storage location is required")
	}
	if c.Storage.LargePayloads.Bucket == "" {
		return fmt.Errorf("large-payload staging location is required")
	}
	if c.Storage.QueryResults.Bucket == "" {
		return fmt.Errorf("query-results staging location is required")
	}

	if !c.Consolidation.Disabled {
		if c.Consolidation.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the consolidation lease")
		}
		if c.Consolidation.BatchMaxInterval < 5*time.Second {
			// Shorter intervals would cancel queue receives before their
			// long-poll wait elapses.
			return fmt.Errorf("batch max interval too short, must be at least 5s")
		}
		if c.Consolidation.LeaseTTL <= c.Consolidation.BatchMaxInterval {
			return fmt.Errorf("lease TTL must exceed batch max interval")
		}
	}

	// Table and database names are appended directly to queries, so reject
	// anything beyond alphanumerics and underscores.
	const glueNameMaxLen = 255
	if c.Query.Database == "" {
		return fmt.Errorf("athena database is required")
	}
	if len(c.Query.Database) > glueNameMaxLen || !isAlphanumericOrUnderscoreRe.MatchString(c.Query.Database) {
		return fmt.Errorf("athena database name must be alphanumeric or underscore, up to %d chars", glueNameMaxLen)
	}
	if c.Query.Table == "" {
		return fmt.Errorf("athena table is required")
	}
	if len(c.Query.Table) > glueNameMaxLen || !isAlphanumericOrUnderscoreRe.MatchString(c.Query.Table) {
		return fmt.Errorf("athena table name must be alphanumeric or underscore, up to %d chars", glueNameMaxLen)
	}

	if c.Query.LimiterRefillAmount < 0 || c.Query.LimiterBurst < 0 {
		return fmt.Errorf("limiter values cannot be negative")
	}
	if c.Query.LimiterRefillAmount > 0 && c.Query.LimiterBurst == 0 {
		return fmt.Errorf("limiter burst must be greater than 0 if refill amount is used")
	}
	if c.Query.LimiterBurst > 0 && c.Query.LimiterRefillAmount == 0 {
		return fmt.Errorf("limiter refill amount must be greater than 0 if burst is used")
	}

	if c.Retention.Days < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}

	return nil
}

// ParseS3Location parses an s3:// URL into bucket and prefix
func ParseS3Location(raw string) (S3Location, error) {
	if raw == "" {
		return S3Location{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return S3Location{}, fmt.Errorf("must be a valid URL: %w", err)
	}
	if u.Scheme != "s3" {
		return S3Location{}, fmt.Errorf("must start with s3://")
	}
	return S3Location{
		URL:    raw,
		Bucket: u.Host,
		Prefix: strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), "/"),
	}, nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
