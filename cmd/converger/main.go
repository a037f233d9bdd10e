package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/converge"
	"github.com/fleetpress/fleetpress/internal/db"
	"github.com/fleetpress/fleetpress/internal/fetcher"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/rollout"
	"github.com/fleetpress/fleetpress/internal/runtime"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	// Database
	conn, err := db.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()
	repo := db.NewRepository(conn)

	extensionFetcher := fetcher.NewHTTPFetcher(cfg.Fetcher, logger)
	baselines := baseline.NewStore(repo, extensionFetcher, logger)
	registry := fleet.NewRegistry(repo, logger)

	adapter := runtime.NewHTTPAdapter(cfg.Runtime, logger)
	applier := rollout.NewApplier(adapter, cfg.Rollout.ApplyTimeout, logger)
	collector := metrics.NewCollector()
	converger := converge.NewConverger(baselines, registry, applier, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())

	ticker := time.NewTicker(cfg.Converger.Interval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				converger.Sweep(ctx)
			}
		}
	}()

	logger.Info("Converger started", zap.Duration("interval", cfg.Converger.Interval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down converger...")
	cancel()
	logger.Info("Converger stopped")
}
