package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/loomworks-erp/loomworks-erp/internal/app"
	"github.com/loomworks-erp/loomworks-erp/internal/bom"
	"github.com/loomworks-erp/loomworks-erp/internal/dispatch"
	"github.com/loomworks-erp/loomworks-erp/internal/ledger"
	"github.com/loomworks-erp/loomworks-erp/internal/notify"
	"github.com/loomworks-erp/loomworks-erp/internal/observability"
	"github.com/loomworks-erp/loomworks-erp/internal/orders"
	"github.com/loomworks-erp/loomworks-erp/internal/platform/cache"
	"github.com/loomworks-erp/loomworks-erp/internal/platform/db"
	"github.com/loomworks-erp/loomworks-erp/internal/requisition"
	"github.com/loomworks-erp/loomworks-erp/internal/routing"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
	"github.com/loomworks-erp/loomworks-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	sequences := shared.NewSequenceAllocator(dbpool)
	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, idempotencyStore, metrics)

	bomRepo := bom.NewRepository(dbpool)
	bomService := bom.NewService(bomRepo, ledgerService, cfg.FactoryLocationID)

	requisitionRepo := requisition.NewRepository(dbpool)
	requisitionService := requisition.NewService(requisitionRepo, bomService, sequences)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	notifier := notify.NewService(jobsClient, logger)

	ordersRepo := orders.NewRepository(dbpool)
	ordersService := orders.NewService(
		ordersRepo,
		ledgerService,
		requisitionService,
		bomService,
		notifier,
		sequences,
		logger,
		cfg.FactoryLocationID,
	)

	dispatchRepo := dispatch.NewRepository(dbpool)
	dispatchService := dispatch.NewService(
		dispatchRepo,
		ordersService,
		ledgerRepo,
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

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		OrdersHandler:      orders.NewHandler(logger, ordersService),
		DispatchHandler:    dispatch.NewHandler(logger, dispatchService),
		RoutingHandler:     routing.NewHandler(logger, advisor),
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		CatalogHandler:     bom.NewHandler(logger, bomService),
		RequisitionHandler: requisition.NewHandler(logger, requisitionService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
