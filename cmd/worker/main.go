package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/loomworks-erp/loomworks-erp/internal/app"
	"github.com/loomworks-erp/loomworks-erp/internal/dispatch"
	"github.com/loomworks-erp/loomworks-erp/internal/platform/cache"
	"github.com/loomworks-erp/loomworks-erp/internal/platform/db"
	"github.com/loomworks-erp/loomworks-erp/internal/routing"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
	"github.com/loomworks-erp/loomworks-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	idempotencyStore := shared.NewIdempotencyStore(pool)

	// The worker only reads active assignments, so the dispatch service runs
	// without the order and location collaborators the API wiring needs.
	dispatchRepo := dispatch.NewRepository(pool)
	dispatchService := dispatch.NewService(
		dispatchRepo,
		nil,
		nil,
		redisClient,
		logger,
		cfg.FactoryLocationID,
		cfg.VehicleCapacities(),
	)

	routeProvider := routing.NewProviderClient(cfg.RoutingProviderURL, cfg.RoutingProviderTimeout)
	advisor := routing.NewAdvisor(
		dispatchService,
		routeProvider,
		redisClient,
		logger,
		cfg.FactoryLatitude,
		cfg.FactoryLongitude,
		cfg.ClusterRadiusKm,
	)

	recheckJob := jobs.NewRouteRecheckJob(advisor, logger, nil)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotencyStore, logger, nil)

	recheckTask, err := jobs.NewRouteRecheckTask()
	if err != nil {
		logger.Error("build route recheck task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask()
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRouteRecheck, Handler: recheckJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: recheckTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "45 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
