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

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/glamstock/glamstock/internal/app"
	jobmetrics "github.com/glamstock/glamstock/internal/jobs"
	"github.com/glamstock/glamstock/internal/observability"
	"github.com/glamstock/glamstock/internal/platform/cache"
	"github.com/glamstock/glamstock/internal/platform/db"
	"github.com/glamstock/glamstock/internal/ranking"
	"github.com/glamstock/glamstock/internal/stock"
	"github.com/glamstock/glamstock/jobs"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

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
	if cfg.StockStore != app.StorePostgres {
		slog.Default().Error("worker needs the postgres stock store", slog.String("store", cfg.StockStore))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName + "-worker",
		Version:     version,
		SampleRatio: cfg.TraceSample,
	})
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", slog.Any("error", err))
		}
	}()

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cache.Options{})
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
	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	// The worker never triggers itself, so the refresher runs without an
	// enqueuer and only rebuilds when a task asks it to.
	refresher := ranking.NewRefresher(
		stock.NewRepository(pool, cfg.StockLockTimeout),
		ranking.NewPostgresCosts(pool),
		ranking.NewCache(redisClient, cfg.RankingCacheTTL),
		ranking.Config{
			Logger:  logger,
			Metrics: jobmetrics.NewMetrics(metrics.Registerer()),
			Locker:  redislock.New(redisClient),
			LockTTL: cfg.RankingLockTTL,
			Options: ranking.Options{Limit: cfg.RankingLimit},
		},
	)
	defer refresher.Close()
	refreshJob := jobs.NewRankingRefreshJob(refresher, logger)

	scheduledTask, err := jobs.NewRankingRefreshTask(jobs.ReasonSchedule)
	if err != nil {
		logger.Error("build ranking refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if cfg.RankingRefreshCron != "" {
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.RankingRefreshCron,
			Task:    scheduledTask,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRankingRefresh, Handler: refreshJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
