package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csgo-arbiter/internal/api"
	"csgo-arbiter/internal/bootstrap"
	"csgo-arbiter/internal/cache"
	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/database"
	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/metrics"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/report"
	"csgo-arbiter/internal/scheduler"
	"csgo-arbiter/internal/services/arbitrage"
	"csgo-arbiter/internal/services/feed"
	"csgo-arbiter/internal/services/mirror"
	"csgo-arbiter/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", os.Getenv("ARB_CONFIG"), "path to a TOML config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Initialize(cfg.Database, logger, cfg.LogLevel == "debug")
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	st := store.New(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	limiter, err := bootstrap.NewLimiter(cfg, m)
	if err != nil {
		return err
	}
	adapter, err := bootstrap.NewAdapter(cfg, limiter, logger)
	if err != nil {
		return err
	}
	logger.Info("marketplace selected", zap.String("name", adapter.Name()), zap.String("base_url", cfg.Marketplace.BaseURL))

	// Statistics go through Redis when it is configured.
	var (
		stats     arbitrage.StatsSource = st
		statsSink quant.Cache
		guard     arbitrage.Guard
	)
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		sc := cache.NewStatisticsCache(rdb, st, cfg.Redis.StatsTTL, logger)
		stats, statsSink = sc, sc
		if cfg.Arbitrage.GuardInFlight {
			guard = cache.NewInFlightGuard(rdb, time.Minute)
		}
	} else if cfg.Arbitrage.GuardInFlight {
		guard = arbitrage.NewLocalGuard()
	}

	gate := bootstrap.Gate(cfg.Gate)
	quantEngine := quant.NewEngine(st, statsSink, logger)
	syncer := mirror.New(adapter, st, bootstrap.MirrorConfig(cfg.Mirror), logger, m)
	engine := arbitrage.New(adapter, st, stats, guard, arbitrage.ConfigFrom(cfg.Arbitrage, cfg.Gate), logger, m)

	if _, err := engine.RefreshBalance(ctx); err != nil {
		logger.Warn("initial balance refresh failed", zap.Error(err))
	}

	sched := scheduler.New(cfg.Schedule.Location(), logger, m)
	type job struct {
		spec string
		run  scheduler.Job
	}
	jobs := map[string]job{
		"relist": {cfg.Schedule.Relist, func(ctx context.Context) error {
			_, err := engine.RelistHoldings(ctx)
			return err
		}},
		"purchase": {cfg.Schedule.Purchase, func(ctx context.Context) error {
			_, err := engine.PurchaseBestAvailable(ctx)
			return err
		}},
		"resync": {cfg.Schedule.Resync, func(ctx context.Context) error {
			_, err := bootstrap.Resync(ctx, syncer, quantEngine, logger)
			return err
		}},
	}
	if cfg.Report.Dir != "" {
		jobs["report"] = job{cfg.Schedule.Report, func(ctx context.Context) error {
			path, err := report.WriteFile(ctx, st, gate, cfg.Report.Dir, time.Now())
			if err == nil {
				logger.Info("statistics report written", zap.String("path", path))
			}
			return err
		}}
	}
	for name, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := sched.Register(name, j.spec, j.run); err != nil {
			return err
		}
	}
	sched.Start()

	var reactor *feed.Reactor
	if cfg.Feed.Enabled {
		reactor = feed.New(feed.Config{
			URL:          cfg.Feed.URL,
			Token:        cfg.Feed.Token,
			Channels:     cfg.Feed.Channels,
			BackoffMin:   cfg.Feed.BackoffMin,
			BackoffMax:   cfg.Feed.BackoffMax,
			PingInterval: cfg.Feed.PingInterval,
		}, engine, logger, m)
	}

	g, gctx := errgroup.WithContext(ctx)

	if reactor != nil {
		g.Go(func() error { return reactor.Run(gctx) })
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		if cfg.Environment == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		deps := api.Dependencies{Store: st, Stats: stats, Gate: gate, Jobs: sched, Logger: logger}
		if reactor != nil {
			deps.Feed = reactor
		}
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewRouter(deps, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("trading core running",
		zap.Bool("feed", reactor != nil),
		zap.Bool("server", srv != nil),
		zap.Bool("dry_run", cfg.Arbitrage.DryRun))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler did not stop in time", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
