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

	"github.com/smashbros/backoffice/cmd/backoffice/cli"
	"github.com/smashbros/backoffice/internal/app"
	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/observability"
	"github.com/smashbros/backoffice/internal/platform/cache"
	"github.com/smashbros/backoffice/internal/platform/db"
	"github.com/smashbros/backoffice/internal/reconcile"
	reconcilehttp "github.com/smashbros/backoffice/internal/reconcile/http"
	snapshothttp "github.com/smashbros/backoffice/internal/snapshot/http"
	"github.com/smashbros/backoffice/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.Postgres("backoffice-api"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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
	calc := cfg.ShiftCalculator()

	builder, err := app.NewSnapshotBuilder(cfg, dbpool, redisClient, logger, jobMetrics)
	if err != nil {
		logger.Error("init snapshot builder", slog.Any("error", err))
		os.Exit(1)
	}
	reconciler := reconcile.NewService(builder, reconcile.NewStaffFormRepository(dbpool), cfg.Reconcile(), logger, jobMetrics)

	redisOpts := cfg.AsynqRedis()
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
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SnapshotHandler:  snapshothttp.NewHandler(logger, builder, calc, jobClient),
		ReconcileHandler: reconcilehttp.NewHandler(logger, reconciler, calc, cfg.ReconcileBalanceTolerance),
		JobHandler:       jobs.NewHandler(inspector, logger),
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	redisOpts := cfg.AsynqRedis()
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		slog.Default().Error("init job client", slog.Any("error", err))
		return 1
	}
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	return cli.NewJobsCLI(client, inspector, cfg.ShiftCalculator()).Run(ctx, args, os.Stdout, os.Stderr)
}
