package main

import (
	"context"
	"errors"
	"os"
	"time"

	"budgetbase/internal/amqp"
	"budgetbase/internal/cli"
	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/rollup"
	"budgetbase/internal/scheduler"
	"budgetbase/internal/services"
	"budgetbase/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	cfg, logger := cli.LoadAndValidateConfig()
	logger = logger.WithComponent(log.ComponentWorker)
	logger.Info("Starting rollup-worker")

	result := cli.OpenBackend(context.Background(), logger, cfg)

	engine := rollup.NewEngine(result.Store, rollup.ModeFull, logger)
	system := identity.Static(core.Profile{UserID: "rollup-worker", FullName: "Rollup worker"})
	budget := services.NewBudgetService(result.Store, engine, nil, system, nil, logger)

	rw := worker.NewRollupWorker(budget, worker.Config{PollInterval: cfg.WorkerPollInterval}, logger)

	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		var err error
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
	} else {
		logger.Info("AMQP disabled - running scheduled reconciliation only")
	}

	sched := scheduler.New(context.Background(), logger)
	if err := sched.Register("reconcile", cfg.ReconcileSchedule, func(ctx context.Context) error {
		_, err := budget.Reconcile(ctx)
		return err
	}); err != nil {
		logger.Error("Failed to schedule reconciliation", log.FieldError, err)
		os.Exit(1)
	}

	ctx, cancel, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		if err := rw.Stop(ctx); err != nil {
			logger.Warn("Worker stop error", log.FieldError, err)
		}
		if err := sched.Stop(ctx); err != nil {
			logger.Warn("Scheduler stop error", log.FieldError, err)
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

	// Catch up on writes made while the worker was down.
	if err := rw.StartupCheck(ctx); err != nil {
		logger.Warn("Continuing after failed startup reconciliation")
	}

	if err := rw.Start(ctx); err != nil {
		logger.Error("Failed to start rollup worker", log.FieldError, err)
		os.Exit(1)
	}
	sched.Start()

	if amqpClient != nil {
		go func() {
			if err := amqpClient.ConsumeRecordEvents(ctx, rw.HandleRecordEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", log.FieldError, err)
				cancel()
			}
		}()
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete", "reconciliations", rw.Runs())
}
