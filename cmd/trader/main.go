package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/feed"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/logger"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/trader"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Price feeds
	restClient := feed.NewRestClient(&cfg.Feeds, log)
	var streamer feed.Streamer
	if cfg.Feeds.StreamURL != "" {
		streamer = feed.NewWSStreamer(cfg.Feeds.StreamURL, log)
	} else {
		log.Warn("No stream URL configured, crypto prices rely on REST polling")
	}

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := trader.NewEngine(log, &cfg, restClient, streamer, db)
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	api := trader.NewAPIServer(engine, log)
	api.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error("Engine shutdown failed", zap.Error(err))
	}

	log.Info("Engine has been shut down.")
}
