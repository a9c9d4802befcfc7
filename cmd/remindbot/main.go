package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/alert"
	"github.com/lalithlochan/remindbot/internal/api"
	"github.com/lalithlochan/remindbot/internal/circuitbreaker"
	"github.com/lalithlochan/remindbot/internal/config"
	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/delivery"
	"github.com/lalithlochan/remindbot/internal/metrics"
	"github.com/lalithlochan/remindbot/internal/observ"
	"github.com/lalithlochan/remindbot/internal/redis"
	"github.com/lalithlochan/remindbot/internal/registrysync"
	"github.com/lalithlochan/remindbot/internal/scheduler"
	"github.com/lalithlochan/remindbot/internal/sns"
	"github.com/lalithlochan/remindbot/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting remindbot",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Int("batch_size", cfg.BatchSize),
	)

	ctx := context.Background()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.BatchSize + 10),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the tenant registry, rate limiting and idempotency. The
	// service runs without it.
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, registry and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// Tenant enumeration: Redis registry first, Postgres when the registry
	// is missing or stale.
	primary := scheduler.NamedSource{Name: "postgres", Source: repo}
	var fallbacks []scheduler.NamedSource
	var registry *redis.TenantRegistry
	var syncer *registrysync.Syncer
	if redisClient != nil {
		registry = redis.NewTenantRegistry(redisClient, 5*time.Minute, logger)

		syncer, err = registrysync.New(repo, registry, registrysync.Config{Schedule: cfg.TenantSyncSpec}, logger)
		if err != nil {
			return fmt.Errorf("failed to create registry syncer: %w", err)
		}
		if err := syncer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start registry sync: %w", err)
		}
		defer syncer.Stop()

		primary = scheduler.NamedSource{Name: "redis", Source: registry}
		fallbacks = append(fallbacks, scheduler.NamedSource{Name: "postgres", Source: repo})
	}
	enumerator := scheduler.NewEnumerator(logger, primary, fallbacks...)

	// Delivery: Telegram (or a logging stand-in) for chats, webhooks for
	// URL channel ids, guarded by per-destination circuit breakers.
	var chat delivery.Gateway
	if cfg.TelegramBotToken != "" {
		tg, err := delivery.NewTelegramGateway(delivery.TelegramConfig{
			Token:      cfg.TelegramBotToken,
			RatePerSec: cfg.TelegramRatePerSec,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram gateway: %w", err)
		}
		chat = tg
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, reminders will only be logged")
		chat = delivery.NewLogGateway(logger)
	}

	webhook := delivery.NewWebhookGateway(delivery.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, logger)

	// One breaker per destination (the chat platform, each webhook host).
	// Only outages count; rejections of a single message do not.
	breakerCfg := circuitbreaker.DefaultConfig("delivery")
	breakerCfg.MaxFailures = cfg.BreakerMaxFailures
	breakerCfg.RecoveryTimeout = cfg.BreakerRecoveryTimeout
	breakerCfg.IsFailure = delivery.IsTransient
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	breakers := circuitbreaker.NewSet(breakerCfg, logger)
	gateway := circuitbreaker.NewProtectedGateway(delivery.NewRouter(chat, webhook, logger), breakers, logger)

	// Attempt recording: Postgres always, SQS when configured.
	sinks := []scheduler.NamedSink{{Name: "postgres", Sink: repo}}
	if cfg.SQSAttemptsQueueURL != "" {
		publisher, err := sqs.NewAttemptPublisher(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSAttemptsQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs attempt stream disabled", zap.Error(err))
		} else {
			sinks = append(sinks, scheduler.NamedSink{
				Name: "sqs",
				Sink: scheduler.SinkFunc(publisher.PublishAttempt),
			})
		}
	}
	recorder := scheduler.NewRecorder(scheduler.RecorderConfig{}, logger, sinks...)

	processor := scheduler.NewProcessor(repo, gateway, recorder, scheduler.ProcessorConfig{
		MaxFailedAttempts: cfg.MaxFailedAttempts,
	}, logger)

	sched := scheduler.New(enumerator, processor, scheduler.Config{
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
	}, logger)

	if cfg.SNSReportTopicARN != "" {
		reports, err := sns.NewReportPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSReportTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns tick reports disabled", zap.Error(err))
		} else {
			sched.OnReport(reports.Hook())
		}
	}

	if cfg.AlertingEnabled() {
		mailer, err := alert.NewMailer(ctx, alert.Config{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			ToEmails:  cfg.AlertEmails,
			Endpoint:  cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("failure alert emails disabled", zap.Error(err))
		} else {
			sched.OnReport(mailer.Hook())
		}
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	ticks := sched.Start(schedCtx, cfg.TickInterval)

	logger.Info("background services started",
		zap.Bool("redis_registry", registry != nil),
		zap.Bool("sqs_attempts", len(sinks) > 1),
		zap.Bool("telegram", cfg.TelegramBotToken != ""),
	)

	go reportPoolStats(schedCtx, database, redisClient)

	// Admin API
	handler := api.NewHandler(logger, repo, sched).WithBreakers(breakers)
	var limiter api.Limiter
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)).WithRegistry(registry)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	router := api.NewRouter(api.RouterConfig{
		Handler: handler,
		Limiter: limiter,
		Logger:  logger,
		Health:  database.Health,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop scheduling new ticks, let the in-flight one finish, then drain
	// HTTP.
	ticks.Stop()
	ticks.Wait()
	recorder.Wait()
	logger.Info("scheduler stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return runErr
}

// reportPoolStats publishes connection pool gauges until ctx is done.
func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.ActiveConns())
			}
		}
	}
}
