package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"SendLane/internal/api"
	"SendLane/internal/config"
	"SendLane/internal/db"
	"SendLane/internal/email"
	"SendLane/internal/events"
	"SendLane/internal/metrics"
	"SendLane/internal/processor"
	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
	"SendLane/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Provider
	// ------------------------------------------------
	var provider email.Provider
	switch cfg.Provider {
	case "ses":
		provider, err = email.NewSESProvider(ctx, email.SESConfig{
			Region:           cfg.AWSRegion,
			AccessKeyID:      cfg.AWSAccessKeyID,
			SecretAccessKey:  cfg.AWSSecretAccessKey,
			ConfigurationSet: cfg.SESConfigurationSet,
		})
		if err != nil {
			logger.Fatal("ses provider setup failed", zap.Error(err))
		}
	default:
		provider = &email.SMTPProvider{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Hostname: cfg.SMTPHostname,
		}
	}

	breakerCfg := email.DefaultBreakerConfig()
	breakerCfg.Timeout = cfg.BreakerTimeout
	breakerCfg.MinRequests = cfg.BreakerMinRequests
	breakerCfg.FailureRatio = cfg.BreakerFailureRatio
	provider = email.NewBreakerProvider(provider, breakerCfg, logger)

	// ------------------------------------------------
	// Sender Rate Limits
	// ------------------------------------------------
	schedule, err := cfg.Schedule()
	if err != nil {
		logger.Fatal("invalid warm-up schedule", zap.Error(err), zap.String("file", cfg.WarmupFile))
	}

	limiter := ratelimit.New(ratelimit.Config{
		Schedule:         schedule,
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
	})

	// ------------------------------------------------
	// Queue + Processor
	// ------------------------------------------------
	store := queue.New(logger)

	proc := processor.New(store, limiter, provider, processor.Config{
		Retry: processor.RetryPolicy{
			MaxRetries: cfg.RetryAttempts,
			Schedule:   cfg.BackoffSchedule,
		},
		SendTimeout: cfg.SendTimeout,
		Logger:      logger,
	})

	validateCtx, validateCancel := context.WithTimeout(ctx, 10*time.Second)
	if v := proc.ValidateProvider(validateCtx); !v.Valid {
		// keep running; jobs retry and the breaker guards the provider
		logger.Warn("provider validation failed",
			zap.String("provider", provider.Name()),
			zap.String("error", v.Error),
		)
	}
	validateCancel()

	var wg sync.WaitGroup

	// ------------------------------------------------
	// Database Journal (optional)
	// ------------------------------------------------
	var history api.JobHistory
	if cfg.DatabaseURL != "" {
		journal, err := db.New(ctx, cfg.DatabaseURL, store, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer journal.Close()

		if err := journal.Migrate(ctx); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}

		store.Subscribe(journal.Listener())
		history = journal

		wg.Add(1)
		go func() {
			defer wg.Done()
			journal.Run(ctx)
		}()
	}

	// ------------------------------------------------
	// Redis Event Stream (optional)
	// ------------------------------------------------
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 30 * time.Second
		if err := backoff.Retry(func() error {
			return rdb.Ping(ctx).Err()
		}, backoff.WithContext(b, ctx)); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}

		publisher := events.NewRedisPublisher(rdb, cfg.EventsChannel, cfg.EventsKeep, logger)
		store.Subscribe(publisher.QueueListener())
		proc.Subscribe(publisher.ProcessingListener())

		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
		}()
		logger.Info("publishing events to redis", zap.String("channel", cfg.EventsChannel))
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var throughput *rate.Limiter
	if cfg.RateLimit > 0 {
		throughput = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	pool := worker.NewPool(worker.Config{
		WorkersPerLane: cfg.WorkersPerLane,
		FairnessCap:    cfg.FairnessCap,
		PollInterval:   cfg.PollInterval,
	}, store, proc, throughput, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool stopped", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Janitor
	// ------------------------------------------------
	janitor, err := worker.NewJanitor(worker.JanitorConfig{
		Schedule:           cfg.JanitorSchedule,
		CompletedRetention: cfg.CompletedRetention,
		LimiterIdle:        cfg.LimiterIdle,
	}, store, limiter, logger)
	if err != nil {
		logger.Fatal("invalid janitor schedule", zap.Error(err))
	}
	janitor.Start()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:          store,
		Processor:      proc,
		Limiter:        limiter,
		History:        history,
		DefaultFrom:    cfg.DefaultFrom,
		MaxUploadBytes: cfg.MaxUploadMiB << 20,
		Log:            logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	stopServices(logger, 5*time.Second, apiServer, func() {
		janitor.Stop()
		// workers and the event sinks
		wg.Wait()
	}, metricsServer)

	logger.Info("application shutdown complete",
		zap.Any("queues", store.AllStats()),
	)
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopServices stops accepting API traffic, waits for background work, then
// stops the metrics server. Each server gets its own grace period.
func stopServices(logger *zap.Logger, grace time.Duration, apiServer shutdowner, wait func(), metricsServer shutdowner) {
	apiCtx, apiCancel := context.WithTimeout(context.Background(), grace)
	defer apiCancel()
	if err := apiServer.Shutdown(apiCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	wait()

	metricsCtx, metricsCancel := context.WithTimeout(context.Background(), grace)
	defer metricsCancel()
	if err := metricsServer.Shutdown(metricsCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
}
