package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/breaker"
	"github.com/venuetix/notification-service/internal/cache"
	"github.com/venuetix/notification-service/internal/compliance"
	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/degrade"
	"github.com/venuetix/notification-service/internal/dispatch"
	"github.com/venuetix/notification-service/internal/httpapi"
	"github.com/venuetix/notification-service/internal/ingress"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/provider"
	"github.com/venuetix/notification-service/internal/queue"
	"github.com/venuetix/notification-service/internal/ratelimit"
	"github.com/venuetix/notification-service/internal/repository"
	"github.com/venuetix/notification-service/internal/retrypolicy"
	"github.com/venuetix/notification-service/internal/telemetry"
	"github.com/venuetix/notification-service/internal/webhook"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(logConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.LoadConfigFromEnv())
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to initialize OpenTelemetry")
	}
	defer shutdownOTel()

	// Postgres, via the instrumented driver.
	db, err := repository.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to connect to database")
	}
	defer db.Close()
	repo := repository.New(db)

	// Redis backs the job queue, rate limiter, dedupe and contact cache.
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	store := cache.NewStore(redisClient)
	dedupe := cache.NewEventDedupe(store, cfg.Ingress.DedupeTTL)
	contacts := cache.NewContactCache(store)

	q := queue.NewRedisQueueFromClient(redisClient)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Provider plane: adapters, health board, breakers, probe loop.
	providers := provider.NewRegistry(cfg, &http.Client{Timeout: 30 * time.Second})
	board := provider.NewBoard(providers.Names())
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}, m)
	prober := provider.NewProber(providers, board, breakers, logger)
	prober.Start(ctx)
	defer prober.Stop()

	selector := provider.NewSelector(cfg, providers, board, breakers, logger, m)
	limiter := ratelimit.New(redisClient, cfg.RateLimit, m)
	gate := compliance.New(repo, m, cfg.QuietHoursStart, cfg.QuietHoursEnd)
	tokens := compliance.NewTokenCodec(cfg.UnsubscribeSecret)
	policy := retrypolicy.FromConfig(cfg.Retry)

	controller := degrade.NewController(logger, m)
	go controller.Run(ctx, cfg.ProbeInterval, func() degrade.Snapshot {
		return takeSnapshot(ctx, cfg, db, redisClient, q, board, breakers)
	})

	dispatcher := dispatch.New(cfg.Workers, q, repo, gate, limiter, selector,
		controller, breakers, board, policy, logger, m)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Provider callback reconciliation with Redis-backed retries.
	retries := webhook.NewRetryQueue(redisClient, logger, m)
	processor := webhook.NewProcessor(providers, repo, retries, logger, m)
	retries.Start(ctx, processor, cfg.Workers.WebhookConcurrency)
	defer retries.Stop()

	// Platform event bus: consume business events, publish status events.
	contactsClient := ingress.NewContactsClient(cfg.Ingress.ContactsURL, cfg.Ingress.EnrichTimeout)
	enricher := ingress.NewEnricher(contactsClient, contacts)
	consumer := ingress.NewConsumer(cfg.Ingress, cfg.QueueURL, cfg.BusSigningSecret,
		repo, enricher, dedupe, logger, m)
	consumer.Start(ctx)
	defer consumer.Stop()

	bus := ingress.NewAMQPPublisher(cfg.QueueURL, cfg.Ingress.Exchange)
	defer bus.Close()
	var sink ingress.WebhookSink
	if cfg.WebhookSinkURL != "" {
		sink = webhook.NewSigner(cfg.WebhookSinkSecret, nil)
	}
	publisher := ingress.NewPublisher(repo, q, bus, sink, cfg.WebhookSinkURL, logger)
	publisher.Start(ctx)
	defer publisher.Stop()

	server := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Gatherer: registry,
		Repo:     repo,
		Queue:    q,
		Limiter:  limiter,
		Degrade:  controller,
		Webhooks: processor,
		Breakers: breakers,
		Board:    board,
		Tokens:   tokens,
		Checks: map[string]httpapi.CheckFunc{
			"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.WithField("error", err.Error()).Error("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("HTTP server shutdown failed")
	}

	// Breaker state is process-local; the final snapshot goes to the log
	// so an operator can see what was open at exit.
	for _, snap := range breakers.Snapshot() {
		logger.WithFields(logrus.Fields{
			"dependency": snap.Dependency,
			"state":      string(snap.State),
		}).Info("Breaker state at shutdown")
	}

	logger.Info("Notification service stopped")
}

// logConfig maps the service configuration onto the logger's. A LOG_FILE
// path turns on rotation.
func logConfig(cfg *config.Config) *telemetry.LogConfig {
	lc := telemetry.DefaultLogConfig()
	lc.Level = telemetry.LogLevel(cfg.LogLevel)
	if cfg.Environment == "development" {
		lc.Format = "text"
	}
	if cfg.LogFile != "" {
		lc.Output = cfg.LogFile
		lc.Rotation = true
	}
	return lc
}

// takeSnapshot assembles one degradation-controller input from live
// dependency probes and the provider plane.
func takeSnapshot(ctx context.Context, cfg *config.Config, db *sql.DB, redisClient *redis.Client,
	q queue.Queue, board *provider.Board, breakers *breaker.Manager) degrade.Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, queueErr := q.Stats(probeCtx)

	channels := make(map[notification.Channel]degrade.ChannelHealth, len(cfg.EnabledChannels))
	for _, ch := range cfg.EnabledChannels {
		names := cfg.ChannelProviders[ch]
		health := degrade.ChannelHealth{Total: len(names)}
		for _, name := range names {
			if board.Get(name).Healthy && breakers.Allows(name) {
				health.Available++
			}
		}
		channels[notification.Channel(ch)] = health
	}

	return degrade.Snapshot{
		PostgresHealthy: db.PingContext(probeCtx) == nil,
		RedisHealthy:    redisClient.Ping(probeCtx).Err() == nil,
		QueueHealthy:    queueErr == nil,
		Channels:        channels,
	}
}
