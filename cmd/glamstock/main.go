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

// store is what the service needs from a stock backend.
type store interface {
	stock.RepositoryPort
	ranking.LedgerSource
}

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

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
	slog.SetDefault(logger)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
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
	metrics := observability.NewMetrics()
	checks := map[string]app.ReadinessCheck{}

	var (
		repo  store
		costs ranking.CostSource = ranking.StaticCosts{}
	)
	switch cfg.StockStore {
	case app.StoreMemory:
		logger.Warn("using in-memory stock store; data is lost on restart")
		repo = stock.NewMemoryRepository()
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo = stock.NewRepository(pool, cfg.StockLockTimeout)
		costs = ranking.NewPostgresCosts(pool)
		checks["postgres"] = pool.Ping
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cache.Options{})
	if err != nil {
		if cfg.RankingRefreshMode == app.RefreshQueue {
			logger.Error("queue refresh mode needs redis", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Warn("redis unavailable, rankings are kept in process only", slog.Any("error", err))
	}
	var locker *redislock.Client
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		locker = redislock.New(redisClient)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	refreshCfg := ranking.Config{
		Logger:  logger,
		Metrics: jobmetrics.NewMetrics(metrics.Registerer()),
		Locker:  locker,
		LockTTL: cfg.RankingLockTTL,
		Options: ranking.Options{Limit: cfg.RankingLimit},
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	var inspector *asynq.Inspector
	if cfg.RankingRefreshMode == app.RefreshQueue {
		client, err := jobs.NewClient(redisOpts, cfg.RankingRefreshWindow)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		refreshCfg.Enqueuer = client
		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	rankingCache := ranking.NewCache(redisClient, cfg.RankingCacheTTL)
	refresher := ranking.NewRefresher(repo, costs, rankingCache, refreshCfg)
	defer refresher.Close()

	if redisClient != nil {
		err := rankingCache.Listen(ctx, func(published int64) {
			logger.Debug("ranking snapshot published", slog.Int64("version", published))
			refresher.Invalidate()
		})
		if err != nil {
			logger.Warn("subscribe ranking refresh", slog.Any("error", err))
		}
	}

	coordinator := stock.NewCoordinator(repo, stock.CoordinatorConfig{
		Logger:  logger,
		Metrics: stock.NewMetrics(metrics.Registerer()),
		Refresh: refresher,
	})
	policy := stock.NewSalePolicy(coordinator)
	accounts := stock.NewAccounts(repo, policy, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		StockHandler:   stock.NewHandler(logger, accounts, policy, stock.NewLedgerReader(repo)),
		RankingHandler: ranking.NewHandler(logger, refresher),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Checks:         checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StockStore),
			slog.String("refresh_mode", cfg.RankingRefreshMode))
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
