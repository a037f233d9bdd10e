package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fleetpress/fleetpress/internal/api"
	"github.com/fleetpress/fleetpress/internal/api/handlers"
	"github.com/fleetpress/fleetpress/internal/baseline"
	"github.com/fleetpress/fleetpress/internal/cache"
	"github.com/fleetpress/fleetpress/internal/canary"
	"github.com/fleetpress/fleetpress/internal/config"
	"github.com/fleetpress/fleetpress/internal/converge"
	"github.com/fleetpress/fleetpress/internal/core"
	"github.com/fleetpress/fleetpress/internal/db"
	"github.com/fleetpress/fleetpress/internal/events"
	"github.com/fleetpress/fleetpress/internal/fetcher"
	"github.com/fleetpress/fleetpress/internal/fleet"
	"github.com/fleetpress/fleetpress/internal/metrics"
	"github.com/fleetpress/fleetpress/internal/orchestrator"
	"github.com/fleetpress/fleetpress/internal/release"
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

	if err := db.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	repo := db.NewRepository(conn)

	// Stores
	releases := release.NewStore(cfg.Shared.Root, logger)
	extensionFetcher := fetcher.NewHTTPFetcher(cfg.Fetcher, logger)
	baselines := baseline.NewStore(repo, extensionFetcher, logger)
	registry := fleet.NewRegistry(repo, logger)

	// Side channels
	invalidator := cache.NewRedisInvalidator(cfg.Redis, logger)
	publisher, err := events.NewNATSPublisher(cfg.NATS.URL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, fleet events disabled", zap.Error(err))
		publisher = nil
	}
	var pub events.Publisher = events.NopPublisher{}
	if publisher != nil {
		pub = publisher
		defer publisher.Close()
	}
	collector := metrics.NewCollector()

	// Rollout engine
	adapter := runtime.NewHTTPAdapter(cfg.Runtime, logger)
	applier := rollout.NewApplier(adapter, cfg.Rollout.ApplyTimeout, logger)
	resolver := func(version int64) (*core.Baseline, error) { return baselines.At(version) }
	coordinator := rollout.NewCoordinator(registry, applier, invalidator, pub, collector, resolver,
		logger, cfg.Rollout.WorkerCount, cfg.Rollout.RatePerSecond)
	gate := canary.NewGate(registry, applier, adapter, resolver, collector, logger)
	converger := converge.NewConverger(baselines, registry, applier, collector, logger)

	coreSource := fetcher.NewCoreFetcher(cfg.Fetcher, logger)
	service := orchestrator.NewService(releases, baselines, registry, gate, coordinator,
		invalidator, pub, repo, coreSource, cfg, logger)

	// API server
	handler := handlers.NewHandler(service, registry, converger, logger)
	server := api.NewServer(cfg, handler, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
