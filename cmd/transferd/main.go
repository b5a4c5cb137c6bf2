// transferd is the cluster coordinator for platform transfers: it owns the
// export store and transaction log, drives the transfer saga against
// connected game-server instances, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/solarcloud7/clusterio-surface-export/pkg/api"
	"github.com/solarcloud7/clusterio-surface-export/pkg/config"
	"github.com/solarcloud7/clusterio-surface-export/pkg/events"
	"github.com/solarcloud7/clusterio-surface-export/pkg/exports"
	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/orchestrator"
	"github.com/solarcloud7/clusterio-surface-export/pkg/tree"
	"github.com/solarcloud7/clusterio-surface-export/pkg/txlog"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before reading configuration.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "dir", cfg.Data.Dir, "error", err)
		os.Exit(1)
	}

	slog.Info("Starting transferd",
		"port", cfg.Server.Port,
		"data_dir", cfg.Data.Dir,
		"config_dir", *configDir)

	// 2. Durable state: export store and transaction log
	store := exports.NewStore(
		filepath.Join(cfg.Data.Dir, "platform_exports.json"),
		cfg.Data.MaxExports,
		cfg.Data.FlushDebounce)
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error flushing export store on shutdown", "error", err)
		}
	}()

	logger := txlog.NewLogger(
		filepath.Join(cfg.Data.Dir, "transaction_logs.json"),
		cfg.Data.MaxPersistedLogs)

	// 3. Instance transport and platform tree
	registry := instances.NewRegistry()
	router := instances.NewRouter(registry, cfg.Server.WriteTimeout)
	platformTree := tree.New(registry, router, cfg.Broadcast.TreeRPCTimeout, cfg.Broadcast.TreeCacheTTL)

	// 4. Subscription fabric
	manager := events.NewConnectionManager(cfg.Server.WriteTimeout)
	broadcaster := events.NewBroadcaster(manager, platformTree, cfg.Broadcast.TreeWindow)
	logger.SetNotifier(broadcaster)

	// 5. Transfer orchestrator, wired as the instance event handler and the
	// state source for fresh subscribers
	orch := orchestrator.New(cfg.Transfers, store, logger, platformTree, router, broadcaster)
	router.SetHandler(orch)
	broadcaster.SetStateSource(orch)

	// 6. HTTP/WebSocket server, until SIGTERM/SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	server := api.NewServer(cfg.Server, orch, platformTree, store, logger, manager, router, registry)
	if err := server.Start(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
