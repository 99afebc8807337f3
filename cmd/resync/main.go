package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"csgo-arbiter/internal/bootstrap"
	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/database"
	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/services/mirror"
	"csgo-arbiter/internal/store"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", os.Getenv("ARB_CONFIG"), "path to a TOML config file")
	statsOnly  = flag.Bool("stats-only", false, "only recompute statistics from stored trades")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// one-shot tool: the push feed is irrelevant here
	cfg.Feed.Enabled = false

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

	db, err := database.Initialize(cfg.Database, logger, cfg.LogLevel == "debug")
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()
	st := store.New(db)
	q := quant.NewEngine(st, nil, logger)

	if *statsOnly {
		n, err := q.Recompute(ctx)
		if err != nil {
			logger.Fatal("recompute failed", zap.Error(err))
		}
		logger.Info("statistics recomputed", zap.Int("classes", n))
		return
	}

	limiter, err := bootstrap.NewLimiter(cfg, nil)
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}
	adapter, err := bootstrap.NewAdapter(cfg, limiter, logger)
	if err != nil {
		logger.Fatal("marketplace adapter", zap.Error(err))
	}

	s := mirror.New(adapter, st, bootstrap.MirrorConfig(cfg.Mirror), logger, nil)
	rep, err := bootstrap.Resync(ctx, s, q, logger)
	if err != nil {
		logger.Fatal("resync failed", zap.Error(err))
	}
	fmt.Printf("catalog=%d classes=%d failed=%d listings=%d deleted=%d trades=%d statistics=%d took=%s\n",
		rep.Catalog, rep.Sync.Classes, rep.Sync.Failed, rep.Sync.Listings, rep.Sync.Deleted,
		rep.Sync.TradesInserted, rep.Recomputed, rep.Sync.Duration)
}
