package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bot-danfe/internal/cache"
	"bot-danfe/internal/config"
	"bot-danfe/internal/convo"
	"bot-danfe/internal/danfe"
	"bot-danfe/internal/entitlement"
	"bot-danfe/internal/httpserver"
	"bot-danfe/internal/logging"
	"bot-danfe/internal/metrics"
	"bot-danfe/internal/pay"
	"bot-danfe/internal/repo"
	"bot-danfe/internal/wa"
	"bot-danfe/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bot-danfe", "env", cfg.AppEnv, "db_driver", cfg.DatabaseDriver)

	notificationURL := ""
	if cfg.PublicBaseURL != "" {
		notificationURL = strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/mercadopago"
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "webhook_url", notificationURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	defaults := repo.Defaults{
		FreeCredits:       cfg.FreeCredits,
		MonthlyQueryLimit: cfg.MonthlyQueryLimit,
	}

	var repository repo.Store
	switch cfg.DatabaseDriver {
	case "sqlite":
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, defaults, logger)
	default:
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, defaults, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, document cache disabled", "error", err)
	}

	danfeClient := danfe.New(danfe.Config{
		BaseURL:    cfg.MeuDanfeBaseURL,
		APIKey:     cfg.MeuDanfeAPIKey,
		Timeout:    cfg.MeuDanfeTimeout,
		MaxRetries: cfg.LookupMaxRetries,
		CacheTTL:   cfg.DocumentCacheTTL,
	}, logger, metricRegistry, redisClient)

	payClient := pay.New(pay.Config{
		BaseURL:         cfg.MercadoPagoBaseURL,
		AccessToken:     cfg.MercadoPagoAccessToken,
		Timeout:         cfg.MercadoPagoTimeout,
		NotificationURL: notificationURL,
	}, logger, metricRegistry)

	entitleEngine := entitlement.New(repository, logger, metricRegistry, entitlement.Config{
		FreeCredits:        cfg.FreeCredits,
		MonthlyQueryLimit:  cfg.MonthlyQueryLimit,
		SubscriptionWindow: cfg.SubscriptionWindow(),
	})

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	convoEngine := convo.New(repository, entitleEngine, danfeClient, payClient, waClient, redisClient, metricRegistry, logger, convo.EngineConfig{
		SubscriptionPriceCents: cfg.SubscriptionPriceCents,
		MonthlyQueryLimit:      cfg.MonthlyQueryLimit,
		FreeCredits:            cfg.FreeCredits,
	})
	waClient.SetMessageProcessor(convoEngine)

	webhookHandler := pay.NewWebhookHandler(logger, metricRegistry, cfg.MercadoPagoWebhookSecret, payClient, convoEngine)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		MercadoPagoWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Redis:      redisClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
