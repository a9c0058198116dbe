package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/alert"
	"github.com/lalithlochan/sentinel/internal/api"
	"github.com/lalithlochan/sentinel/internal/channel"
	"github.com/lalithlochan/sentinel/internal/circuitbreaker"
	"github.com/lalithlochan/sentinel/internal/config"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/dispatch"
	"github.com/lalithlochan/sentinel/internal/engine"
	"github.com/lalithlochan/sentinel/internal/metrics"
	"github.com/lalithlochan/sentinel/internal/observ"
	"github.com/lalithlochan/sentinel/internal/redis"
	"github.com/lalithlochan/sentinel/internal/router"
	"github.com/lalithlochan/sentinel/internal/scanner"
	"github.com/lalithlochan/sentinel/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting sentinel orchestrator",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("scan_interval", cfg.ScanInterval),
		zap.Duration("inactivity_threshold", cfg.InactivityThreshold),
	)

	ctx := context.Background()

	// Primary backend
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	repo := db.NewRepository(database, logger.Named("postgres"))

	// Secondary backend, idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without secondary backend",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		secondary   router.Backend
		idempotency *redis.IdempotencyService
		limiter     *redis.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		secondary = redis.NewStore(redisClient, logger.Named("redis"))
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.LocationRateLimit,
			Window: time.Minute,
		})
	}

	storage := router.New(repo, secondary, newBreaker(repo.Name(), logger), cfg.StorageTimeout, logger.Named("router"))
	alerts := alert.NewStore(storage, logger.Named("alerts"))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.AWSEndpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWSEndpoint)
	}

	senders := buildSenders(cfg, awsCfg, logger)
	dispatcher := dispatch.New(alerts, senders, dispatch.Config{
		Timeout:     cfg.DispatchTimeout,
		Concurrency: cfg.DispatchConcurrency,
		WebhookURL:  cfg.EmergencyWebhookURL,
	}, logger.Named("dispatch"))

	sqsAWS := awsCfg.Copy()
	sqsAWS.Region = cfg.SQSRegion
	sqsClient := sqs.NewClient(sqsAWS, cfg.AWSEndpoint)

	// Untyped nil keeps the engine from publishing when no queue is set.
	var publisher engine.Publisher
	if cfg.SQSEventsQueueURL != "" {
		publisher = sqs.NewProducer(sqsClient, cfg.SQSEventsQueueURL, logger.Named("events"))
	}

	eng := engine.New(storage, alerts, dispatcher, publisher, scanner.Config{
		Interval:            cfg.ScanInterval,
		InactivityThreshold: cfg.InactivityThreshold,
	}, logger).WithStuckAfter(cfg.StuckAlertAfter)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Scanner().Run(bgCtx)
	}()
	logger.Info("scanner started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.RunRecovery(bgCtx, cfg.StuckAlertAfter)
	}()

	if cfg.SQSLocationsQueueURL != "" {
		consumer := sqs.NewConsumer(sqsClient, sqs.ConsumerConfig{QueueURL: cfg.SQSLocationsQueueURL}, logger.Named("locations"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(bgCtx, locationHandler(eng))
		}()
		logger.Info("location consumer started")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	api.NewHandler(logger.Named("api"), eng).
		WithIdempotency(idempotency).
		WithRateLimiter(limiter).
		Routes(r)

	r.Get("/health", healthHandler(storage, repo.Name()))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		bgCancel()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop taking new work first, then let in-flight dispatches finish.
		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		wg.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

func newBreaker(name string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	return circuitbreaker.New(cfg, logger)
}

// buildSenders wires one sender per configured channel, each behind its
// own breaker. With DEV_LOG_SENDERS, unconfigured channels log the message
// and are still recorded as not configured.
func buildSenders(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) *channel.Set {
	dev := cfg.DevLogSenders
	var senders []channel.Sender

	pick := func(ch db.Channel, enabled bool, build func() channel.Sender) {
		switch {
		case enabled:
			senders = append(senders, channel.Guard(build(), newBreaker(string(ch), logger)))
		case dev:
			senders = append(senders, channel.NewLogSender(ch, logger.Named("devsender")))
		}
	}

	snsAWS := awsCfg.Copy()
	snsAWS.Region = cfg.SNSRegion
	var snsClient channel.SNSAPI
	if cfg.SMSEnabled || cfg.PushEnabled {
		snsClient = channel.NewSNSClient(snsAWS, cfg.AWSEndpoint)
	}

	pick(db.ChannelEmail, cfg.EmailEnabled(), func() channel.Sender {
		return channel.NewEmailSenderFromConfig(awsCfg, channel.EmailConfig{FromEmail: cfg.SESFromEmail}, logger)
	})
	pick(db.ChannelSMS, cfg.SMSEnabled, func() channel.Sender {
		return channel.NewSMSSender(snsClient, channel.SMSConfig{SenderID: cfg.SMSSenderID}, logger)
	})
	pick(db.ChannelPush, cfg.PushEnabled, func() channel.Sender {
		return channel.NewPushSender(snsClient, logger)
	})
	pick(db.ChannelWebhook, cfg.EmergencyWebhookURL != "", func() channel.Sender {
		return channel.NewWebhookSender(channel.WebhookConfig{
			Timeout:   cfg.WebhookTimeout,
			AuthToken: cfg.WebhookAuthToken,
		}, logger)
	})

	set := channel.NewSet(logger, senders...)
	logger.Info("notification channels initialized",
		zap.Any("channels", set.Channels()),
		zap.Bool("log_senders", dev),
	)
	return set
}

// locationHandler feeds queued pings into the engine. Pings that can never
// succeed are dropped rather than redelivered.
func locationHandler(eng *engine.Engine) sqs.PingHandler {
	return func(ctx context.Context, ping sqs.LocationPing) error {
		_, err := eng.ReportLocation(ctx, ping.UserID, ping.Location())
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, engine.ErrInvalidLocation) {
			return fmt.Errorf("%w: %v", sqs.ErrPoison, err)
		}
		return err
	}
}

// healthHandler reports every backend. The service is healthy while the
// primary or the fallback can serve.
func healthHandler(storage *router.Router, primary string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := storage.HealthReport(r.Context())

		status := http.StatusServiceUnavailable
		for name, state := range report {
			if name != "breaker" && state == "healthy" {
				status = http.StatusOK
				break
			}
		}
		if report[primary] != "healthy" && status == http.StatusOK {
			report["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
