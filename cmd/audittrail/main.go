// Command audittrail runs the audit event pipeline: the HTTP API for
// emitting and searching events, the queue consumer consolidating events
// into long-term storage, and the retention sweeper.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/audittrail/pkg/api"
	"github.com/platinummonkey/audittrail/pkg/awsclient"
	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/consumer"
	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
	"github.com/platinummonkey/audittrail/pkg/publisher"
	"github.com/platinummonkey/audittrail/pkg/query"
	"github.com/platinummonkey/audittrail/pkg/retention"
	"github.com/platinummonkey/audittrail/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry, observability.MetricsConfig{
			BatchInterval: cfg.Consolidation.BatchMaxInterval,
		})
	}

	ctx := context.Background()
	clients, err := awsclient.New(ctx, awsclient.OptionsFromEnv(cfg.Queue.Region))
	if err != nil {
		log.Fatalf("Failed to create AWS clients: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Consolidation.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Consolidation.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse redis URL: %v", err)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
	}

	blobs := storage.NewS3BlobStore(clients.S3, cfg.Storage.LargePayloads)
	codec := events.NewCodec(blobs, 0)

	pub, err := publisher.New(publisher.Config{
		SNS:      clients.SNS,
		SQS:      clients.SQS,
		TopicARN: cfg.Queue.TopicARN,
		QueueURL: cfg.Queue.QueueURL,
		Codec:    codec,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}

	querier, err := query.New(query.Config{
		Athena:          clients.Athena,
		Database:        cfg.Query.Database,
		Table:           cfg.Query.Table,
		Workgroup:       cfg.Query.Workgroup,
		ResultsLocation: cfg.Storage.QueryResults.URL,
		PollInterval:    cfg.Query.PollInterval,
		Limiter: query.NewLimiter(
			cfg.Query.LimiterRefillAmount,
			cfg.Query.LimiterRefillInterval,
			cfg.Query.LimiterBurst,
		),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}

	apiServer, err := api.NewServer(api.Config{
		Searcher: querier,
		Emitter:  pub,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)

	longTerm := storage.NewLongTerm(clients.S3, cfg.Storage.LongTerm)

	if !cfg.Consolidation.Disabled {
		cons, err := consumer.New(consumer.Config{
			Receiver:          clients.SQS,
			Deleter:           clients.SQS,
			QueueURL:          cfg.Queue.QueueURL,
			Codec:             codec,
			Store:             longTerm,
			BatchMaxItems:     cfg.Consolidation.BatchMaxItems,
			BatchMaxInterval:  cfg.Consolidation.BatchMaxInterval,
			LockClient:        redisClient,
			LockName:          cfg.Consolidation.LockName,
			LockRetryInterval: cfg.Consolidation.LockRetryInterval,
			LeaseTTL:          cfg.Consolidation.LeaseTTL,
			Logger:            logger,
			Metrics:           metrics,
		})
		if err != nil {
			log.Fatalf("Failed to create consumer: %v", err)
		}

		consumerCtx, cancelConsumer := context.WithCancel(ctx)
		consumerDone := make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := cons.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
				logger.WithError(err).Error("Consumer stopped unexpectedly")
			}
		}()
		shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			cancelConsumer()
			select {
			case <-consumerDone:
				return nil
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		})
	}

	if cfg.Retention.Days > 0 {
		sweeper, err := retention.New(retention.Config{
			Store:    longTerm,
			Days:     cfg.Retention.Days,
			Schedule: cfg.Retention.Schedule,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err != nil {
			log.Fatalf("Failed to create retention sweeper: %v", err)
		}
		if err := sweeper.Start(ctx); err != nil {
			log.Fatalf("Failed to start retention sweeper: %v", err)
		}
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			sweeper.Stop()
			return nil
		})
	}

	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	// Health and metrics on a separate port so they stay reachable even
	// when the API port is saturated.
	health := observability.NewHealthChecker(redisClient, clients.S3, cfg.Storage.LongTerm.Bucket)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	go func() {
		addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort)
		if err := http.ListenAndServe(addr, healthMux); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":        httpServer.Addr,
			"health_port": cfg.Server.HealthPort,
		}).Info("Audit trail server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
