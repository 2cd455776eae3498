package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"budgetbase/internal/amqp"
	"budgetbase/internal/cache"
	"budgetbase/internal/cli"
	apphttp "budgetbase/internal/http"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/notify"
	"budgetbase/internal/rollup"
	"budgetbase/internal/scheduler"
	"budgetbase/internal/services"
)

const (
	localCacheTTL          = 30 * 24 * time.Hour
	localCacheCleanupEvery = time.Hour
	shutdownTimeout        = 30 * time.Second
)

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig()

	startupCtx := context.Background()
	result := cli.OpenBackend(startupCtx, logger, cfg)
	store := result.Store

	mode, err := rollup.ParseMode(cfg.RollupMode)
	if err != nil {
		logger.Error("Invalid rollup mode", log.FieldError, err)
		os.Exit(1)
	}
	engine := rollup.NewEngine(store, mode, logger)

	// Broker is optional; without it the server reconciles on its own schedule.
	var (
		publisher  services.Publisher
		amqpClient *amqp.Client
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		publisher = amqpClient
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	localCache := cache.NewLRUCache[string](cfg.LocalCacheSize, localCacheTTL)
	if cfg.LocalCacheFile != "" {
		if err := localCache.LoadFile(cfg.LocalCacheFile); err != nil {
			logger.Warn("Failed to load local cache", log.FieldError, err, "file", cfg.LocalCacheFile)
		}
	}
	cacheManager := cache.NewManager(logger)
	cacheManager.Register(localCache)
	cacheManager.StartCleanup(localCacheCleanupEvery)

	budget := services.NewBudgetService(store, engine, notify.NewHub(), identity.Context{}, publisher, logger)
	selection := services.NewSelectionService(store, localCache, identity.Context{}, cfg.SelectionDebounce, logger)

	var sched *scheduler.Scheduler
	if amqpClient == nil {
		sched = scheduler.New(context.Background(), logger)
		if err := sched.Register("reconcile", cfg.ReconcileSchedule, func(ctx context.Context) error {
			_, err := budget.Reconcile(ctx)
			return err
		}); err != nil {
			logger.Error("Failed to schedule reconciliation", log.FieldError, err)
			os.Exit(1)
		}
		sched.Start()
	}

	srv := apphttp.NewServer(apphttp.Options{
		Addr:               ":" + cfg.Port,
		Budget:             budget,
		Selection:          selection,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})

	// No WriteTimeout: /api/pending/stream holds connections open.
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	ctx, _, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if sched != nil {
			if err := sched.Stop(ctx); err != nil {
				logger.Warn("Scheduler stop error", log.FieldError, err)
			}
		}
		cacheManager.Stop()
		if cfg.LocalCacheFile != "" {
			if err := localCache.SaveFile(cfg.LocalCacheFile); err != nil {
				logger.Warn("Failed to save local cache", log.FieldError, err, "file", cfg.LocalCacheFile)
			}
		}
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
		if result.Cleanup != nil {
			if err := result.Cleanup(); err != nil {
				logger.Warn("Backend cleanup error", log.FieldError, err)
			}
		}
	})

	logger.Info("Starting budgetbase server", "port", cfg.Port, "backend", cfg.DataBackend, "rollup_mode", string(mode))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
