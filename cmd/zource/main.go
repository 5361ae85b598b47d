// Package main provides the Zource plugin server entry point
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zource/zource/internal/api"
	"github.com/zource/zource/internal/config"
	"github.com/zource/zource/internal/database"
	"github.com/zource/zource/internal/events"
	"github.com/zource/zource/internal/logging"
	"github.com/zource/zource/internal/plugin"
)

const (
	defaultDataPath = "data"
	logBufferSize   = 1000
)

var version = "dev"

func main() {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := getEnv("CONFIG_PATH", filepath.Join(dataPath, "config.yaml"))

	cfg, err := config.LoadOrDefault(configPath, dataPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel())
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level.Set(config.ParseLevel(v))
	}
	logBuffer := logging.NewRingBuffer(logBufferSize)
	logger := logging.New(os.Stdout, cfg.System.Logging.Format, level, logBuffer)
	slog.SetDefault(logger)

	api.Version = version
	slog.Info("Starting Zource", "version", version, "config_path", configPath, "data_path", cfg.System.DataPath)

	if err := run(cfg, level, logBuffer, logger); err != nil {
		slog.Error("Zource stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, level *slog.LevelVar, logBuffer *logging.RingBuffer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database
	db, err := database.Open(&database.Config{Path: cfg.System.Database.Path})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return err
	}

	healthChecks := map[string]api.HealthCheck{"database": db.Health}

	hub := api.NewHub(cfg.Server.AllowedOrigins, logger)
	go hub.Run(ctx)
	go hub.StreamLogs(ctx, logBuffer)

	// With the bus enabled, websocket clients receive events through it;
	// otherwise the hub is published to directly.
	var publisher plugin.Publisher = hub
	if cfg.Events.Enabled {
		bus, err := events.NewBus(events.Config{Host: cfg.Events.Host, Port: cfg.Events.Port}, logger)
		if err != nil {
			return err
		}
		defer bus.Stop()

		if _, err := bus.SubscribeLifecycle(func(ev events.LifecycleEvent) {
			_ = hub.PublishLifecycle(ev)
		}); err != nil {
			return err
		}
		publisher = bus
		healthChecks["events"] = bus.HealthCheck
	}

	settings := cfg.PluginSettings()

	fetcher := plugin.NewFetcher(fetcherConfig(settings), logger)
	extractor := plugin.NewArchiveExtractor(plugin.ArchiveLimits{
		MaxEntries: settings.MaxArchiveEntries,
		MaxBytes:   int64(settings.MaxExtractedMB) << 20,
	}, logger)
	autoloader := plugin.NewAutoloaderGenerator(settings.Dir, settings.AutoloaderPath, logger)

	catalog, err := plugin.LoadCatalogOrEmpty(settings.CatalogPath)
	if err != nil {
		return err
	}

	manager := plugin.NewManager(plugin.ManagerConfig{
		PluginsDir: settings.Dir,
		Registry:   plugin.NewRepository(db, logger),
		Extractor:  extractor,
		Fetcher:    fetcher,
		Autoloader: autoloader,
		Publisher:  publisher,
		Catalog:    catalog,
		Logger:     logger,
	})
	if err := manager.Rebuild(ctx); err != nil {
		return err
	}

	// Hot reload: verbosity and fetch settings apply without a restart
	cfg.OnChange(func(c *config.Config) {
		level.Set(c.LogLevel())
		fetcher.Update(fetcherConfig(c.PluginSettings()))
	})
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Plugins:        manager,
		Hub:            hub,
		Logs:           logBuffer,
		UploadDir:      settings.TmpDir,
		MaxUploadBytes: int64(settings.MaxDownloadMB) << 20,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HealthChecks:   healthChecks,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		return err
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
	return nil
}

func fetcherConfig(s config.PluginsConfig) plugin.FetcherConfig {
	return plugin.FetcherConfig{
		TmpDir:   s.TmpDir,
		Timeout:  s.FetchTimeout,
		MaxBytes: int64(s.MaxDownloadMB) << 20,
		Token:    s.DownloadToken,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
