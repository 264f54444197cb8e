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

	"github.com/odyssey-erp/kasir/internal/app"
	"github.com/odyssey-erp/kasir/internal/inventory"
	"github.com/odyssey-erp/kasir/internal/kasbon"
	"github.com/odyssey-erp/kasir/internal/numbering"
	"github.com/odyssey-erp/kasir/internal/observability"
	"github.com/odyssey-erp/kasir/internal/platform/cache"
	"github.com/odyssey-erp/kasir/internal/platform/db"
	"github.com/odyssey-erp/kasir/internal/shared"
	"github.com/odyssey-erp/kasir/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	// The API keeps serving without Redis; reads then go straight to Postgres.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, variant cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	variantCache := cache.NewJSONCache(redisClient, "kasir:variant", cfg.CacheTTL)

	inventoryService := inventory.NewService(
		inventory.NewRepository(pool),
		auditLogger,
		idempotencyStore,
		variantCache,
		inventory.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock},
		logger,
	)
	kasbonService := kasbon.NewService(kasbon.NewRepository(pool), auditLogger, logger)
	numberingService := numbering.NewService(
		numbering.NewRepository(pool),
		auditLogger,
		logger,
		numbering.ServiceConfig{MaxRetries: cfg.NumberingMaxRetries},
	)

	metrics := observability.NewMetrics()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, inventoryService),
		KasbonHandler:    kasbon.NewHandler(logger, kasbonService),
		NumberingHandler: numbering.NewHandler(logger, numberingService),
		JobHandler:       jobs.NewHandler(inspector, logger).WithClient(jobClient),
		Metrics:          metrics,
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
