package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/smashbros/backoffice/internal/app"
	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/observability"
	"github.com/smashbros/backoffice/internal/platform/cache"
	"github.com/smashbros/backoffice/internal/platform/db"
	"github.com/smashbros/backoffice/internal/snapshot"
	"github.com/smashbros/backoffice/jobs"
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

	pool, err := db.New(ctx, cfg.Postgres("backoffice-worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	builder, err := app.NewSnapshotBuilder(cfg, pool, redisClient, logger, jobMetrics)
	if err != nil {
		logger.Error("init snapshot builder", slog.Any("error", err))
		os.Exit(1)
	}
	calc := cfg.ShiftCalculator()

	rebuildJob := snapshot.NewSnapshotJob(builder, calc, logger, jobMetrics)
	closeJob := snapshot.NewShiftCloseJob(builder, calc, logger, jobMetrics)

	closeTask, err := jobs.NewShiftCloseTask(jobs.ShiftClosePayload{StoreID: cfg.POSStoreID})
	if err != nil {
		logger.Error("build shift close task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.AsynqRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSnapshotRebuild, Handler: rebuildJob.Handle},
			{Type: jobs.TaskShiftClose, Handler: closeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ShiftCloseCron, Task: closeTask, Options: []asynq.Option{asynq.MaxRetry(5)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker", slog.String("shift_close_cron", cfg.ShiftCloseCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
