package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"csgo-arbiter/internal/bootstrap"
	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/database"
	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/report"
	"csgo-arbiter/internal/store"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", os.Getenv("ARB_CONFIG"), "path to a TOML config file")
	outputDir  = flag.String("output", "", "output directory (defaults to ARB_REPORT_DIR or the working directory)")
)

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

	// exporting only reads the store; marketplace credentials are not needed
	db, err := database.Initialize(cfg.Database, logger, false)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	dir := *outputDir
	if dir == "" {
		dir = cfg.Report.Dir
	}
	if dir == "" {
		dir = "."
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	path, err := report.WriteFile(ctx, store.New(db), bootstrap.Gate(cfg.Gate), dir, time.Now())
	if err != nil {
		logger.Fatal("export failed", zap.Error(err))
	}
	fmt.Println(path)
}
