package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/recoverykit/internal/api"
	"github.com/NikhilSetiya/recoverykit/internal/notify"
	"github.com/NikhilSetiya/recoverykit/internal/statusboard"
	"github.com/NikhilSetiya/recoverykit/pkg/config"
	"github.com/NikhilSetiya/recoverykit/pkg/health"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
	"github.com/NikhilSetiya/recoverykit/pkg/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "recoveryd",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	zapLogger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create notification logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "recoveryd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := resilience.NewCircuitBreakerRegistry(
		resilience.WithRegistryLogger(logger),
		resilience.WithRegistryMetrics(m),
	)

	alertManager := resilience.NewAlertManager(logger)
	alertManager.SetRateLimit(cfg.Alerts.RateLimit, cfg.Alerts.RateInterval)
	alertManager.AddHandler(resilience.NewLoggingAlertHandler(logger))
	registry.OnStateChange(alertManager.CircuitObserver())
	go alertManager.Run(ctx)

	recoveryConfig := recovery.ConfigFromSettings(cfg)
	common := []recovery.Option{
		recovery.WithLogger(logger),
		recovery.WithMetrics(m),
		recovery.WithTracer(tracer),
		recovery.WithRegistry(registry),
	}

	// Notification senders must not raise alerts of their own
	notifyStrategy, err := recovery.NewErrorRecoveryStrategy(recoveryConfig, common...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create notification recovery strategy")
	}
	strategy, err := recovery.NewErrorRecoveryStrategy(recoveryConfig,
		append(common, recovery.WithAlerts(resilience.NewErrorAlertGenerator(alertManager)))...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create recovery strategy")
	}

	handlers, err := alertHandlers(cfg, notifyStrategy, zapLogger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure alert notifications")
	}
	for _, handler := range handlers {
		alertManager.AddHandler(handler)
	}

	healthService := health.NewService(logger, nil)
	healthService.RegisterChecker("circuits", health.NewCircuitChecker(registry, "circuits"))

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		healthService.RegisterChecker("redis", health.NewRedisChecker(rdb, "redis"))

		instance, _ := os.Hostname()
		publisher, err := statusboard.NewPublisher(statusboard.Config{
			Addr:      cfg.RedisAddr(),
			KeyPrefix: cfg.Redis.KeyPrefix,
			Instance:  instance,
			Interval:  cfg.Redis.PublishInterval,
			TTL:       cfg.Redis.SnapshotTTL,
		}, rdb, strategy, statusboard.WithLogger(logger), statusboard.WithMetrics(m))
		if err != nil {
			logger.WithError(err).Fatal("Failed to create status board publisher")
		}
		registry.OnStateChange(publisher.Observer())
		go publisher.Run(ctx)
	}

	if cfg.Upstream.BaseURL != "" {
		checker, err := upstreamHealthChecker(cfg.Upstream, strategy, logger, tracer)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create upstream health check")
		}
		healthService.RegisterChecker("upstream", checker)
	}

	if m != nil {
		collector := metrics.NewMetricsCollector(m, 15*time.Second, circuitSamples(registry))
		go collector.Start(ctx)
	}

	router := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Tracer:   tracer,
		Health:   healthService,
		Circuits: registry,
		Version:  version,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting diagnostics server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}

	logger.Info("Server exited")
}

func newZapLogger(level string) (*zap.Logger, error) {
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = atom
	return zc.Build(zap.Fields(zap.String("component", "notify")))
}

func circuitSamples(registry *resilience.CircuitBreakerRegistry) func() []metrics.CircuitSample {
	return func() []metrics.CircuitSample {
		snapshot := registry.Snapshot()
		samples := make([]metrics.CircuitSample, 0, len(snapshot))
		for _, status := range snapshot {
			samples = append(samples, metrics.CircuitSample{
				Key:      status.Key,
				State:    status.State.String(),
				Failures: status.FailureCount,
			})
		}
		return samples
	}
}

// alertHandlers builds the email and Slack alert channels that are configured
func alertHandlers(cfg *config.Config, strategy *recovery.ErrorRecoveryStrategy, logger *zap.Logger, m *metrics.Metrics) ([]resilience.AlertHandler, error) {
	var handlers []resilience.AlertHandler

	if cfg.SMTP.Host != "" && len(cfg.Alerts.Recipients) > 0 {
		minSeverity := resilience.SeverityWarning
		if cfg.Alerts.MinSeverity != "" {
			parsed, err := resilience.ParseSeverity(cfg.Alerts.MinSeverity)
			if err != nil {
				return nil, err
			}
			minSeverity = parsed
		}

		sender, err := notify.NewEmailSender(notify.SenderConfig{
			SMTP: notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				Timeout:  cfg.SMTP.Timeout,
			},
			From: cfg.SMTP.From,
		}, strategy, logger, notify.WithSenderMetrics(m))
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, notify.NewEmailAlertHandler(sender, cfg.Alerts.Recipients, minSeverity))
	}

	if cfg.Alerts.SlackWebhookURL != "" {
		slack, err := notify.NewSlackAlertHandler(cfg.Alerts.SlackWebhookURL, cfg.Alerts.SlackUsername, strategy, logger)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slack)
	}

	return handlers, nil
}
