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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/kasir/internal/app"
	"github.com/odyssey-erp/kasir/internal/inventory"
	jobmetrics "github.com/odyssey-erp/kasir/internal/jobs"
	"github.com/odyssey-erp/kasir/internal/kasbon"
	"github.com/odyssey-erp/kasir/internal/platform/cache"
	"github.com/odyssey-erp/kasir/internal/platform/db"
	"github.com/odyssey-erp/kasir/internal/shared"
	"github.com/odyssey-erp/kasir/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
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

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	inventoryService := inventory.NewService(
		inventory.NewRepository(pool),
		auditLogger,
		idempotencyStore,
		cache.NewJSONCache(redisClient, "kasir:variant", cfg.CacheTTL),
		inventory.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock},
		logger,
	)
	kasbonService := kasbon.NewService(kasbon.NewRepository(pool), auditLogger, logger)

	metrics := jobmetrics.NewMetrics(nil)
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()
	warmupJob := jobs.NewBreakdownWarmupJob(inventoryService, logger, metrics)
	integrityJob := jobs.NewKasbonIntegrityJob(kasbonService, logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{Store: idempotencyStore, Logger: logger, Metrics: metrics}

	now := time.Now().UTC()
	warmupTask, err := jobs.NewBreakdownWarmupTask(now)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewKasbonIntegrityTask(now)
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyTTL)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBreakdownWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskKasbonIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
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
