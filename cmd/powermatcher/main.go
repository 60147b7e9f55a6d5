package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/powermatcher/internal/bridge"
	"github.com/rewired-gh/powermatcher/internal/config"
	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	n, err := newNode(cfg)
	if err != nil {
		logger.Fatal("Failed to build node: %v", err)
	}
	defer n.close()

	if err := n.register(); err != nil {
		if errors.Is(err, models.ErrTopologyCycle) {
			logger.Fatal("Configured topology is not a forest: %v", err)
		}
		logger.Fatal("Failed to register agents: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	n.start()

	if n.http != nil {
		go func() {
			if err := n.http.Start(); err != nil {
				logger.Error("HTTP server failed: %v", err)
				cancel()
			}
		}()
	}

	if n.bridgeClient != nil {
		go func() {
			err := n.bridgeClient.Run(ctx)
			if err == nil {
				return
			}
			logger.Error("Bridge to %s stopped: %v", cfg.Bridge.Client.URL, err)
			if errors.Is(err, bridge.ErrRefused) {
				cancel()
			}
		}()
	}

	logger.Info("Node of cluster %s running with %d matchers", cfg.Cluster.ID, len(n.mgr.MatcherIDs()))
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()
	n.shutdown(shutdownCtx)
	logger.Info("Service stopped")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.HTTP.ShutdownTimeout > 0 {
		return cfg.HTTP.ShutdownTimeout
	}
	return 5 * time.Second
}
