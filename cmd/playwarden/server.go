package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmaas/playwarden/internal/api"
	"github.com/jmaas/playwarden/internal/artwork"
	"github.com/jmaas/playwarden/internal/bus"
	"github.com/jmaas/playwarden/internal/config"
	"github.com/jmaas/playwarden/internal/engine"
	"github.com/jmaas/playwarden/internal/history"
	"github.com/jmaas/playwarden/internal/metrics"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/session"
	"github.com/jmaas/playwarden/internal/stats"
	"github.com/jmaas/playwarden/internal/status"
	"github.com/jmaas/playwarden/internal/storage/sqlite"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Playwarden server",
	Long:  `Start the Playwarden server: MQTT telemetry ingestion, session tracking, limit enforcement, REST API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Playwarden")

	// Initialize storage
	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()
	logger.Info().Str("path", cfg.Storage.Path).Msg("Storage initialized")

	// Session tracker
	tracker := session.NewTracker(store.Sessions(), store.Stats(), logger)

	// Optional external history source
	var histSource stats.HistorySource
	if cfg.History.Enabled {
		histSource = history.NewClient(history.Config{
			BaseURL:        cfg.History.BaseURL,
			Token:          cfg.History.Token,
			ActivityEntity: cfg.History.ActivityEntity,
			TitleEntity:    cfg.History.TitleEntity,
		}, logger)
		logger.Info().Str("base_url", cfg.History.BaseURL).Msg("External history source enabled")
	}
	aggregator := stats.NewAggregator(store.Stats(), tracker, histSource, logger)

	// Policy engine
	policyEngine := policy.NewEngine(store.Limits(), store.Events(), aggregator, policy.Config{
		DefaultDailyMinutes: cfg.Policy.DefaultDailyMinutes,
		WarningSeconds:      cfg.Policy.WarningSeconds,
		WarnBeforeMinutes:   cfg.Policy.WarnBeforeMinutes,
	}, logger)
	logger.Info().
		Int("default_daily_minutes", cfg.Policy.DefaultDailyMinutes).
		Int("warning_seconds", cfg.Policy.WarningSeconds).
		Msg("Policy Engine initialized")

	// Artwork cache
	var artworkCache *artwork.Cache
	if cfg.Artwork.Enabled {
		artworkCache, err = artwork.NewCache(cfg.Artwork.Dir, store.Images(), cfg.Artwork.CacheSize, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize artwork cache: %w", err)
		}
	}

	// Engine wiring
	engineCfg := engine.Config{
		StaleTimeout:  parseDuration(cfg.Session.StaleTimeout, 5*time.Minute),
		RecoveryGrace: parseDuration(cfg.Session.RecoveryGrace, 2*time.Minute),
		CheckInterval: parseDuration(cfg.Policy.CheckInterval, time.Minute),
		RetentionDays: cfg.Storage.RetentionDays,
	}

	// Broker connection: subscriber and publisher share one session.
	var eng *engine.Engine
	subscriber := bus.NewSubscriber(bus.SubscriberConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Prefix:    cfg.MQTT.TopicPrefix,
	}, func(deviceID string, ev status.RawEvent) {
		eng.OnDeviceUpdate(deviceID, ev)
	}, logger)
	publisher := bus.NewPublisher(subscriber.Client(), bus.PublisherConfig{
		Prefix:          cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)

	eng = engine.New(engineCfg, store, tracker, policyEngine, aggregator, publisher, artworkCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restore open sessions before telemetry starts flowing.
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}
	if err := subscriber.Connect(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer subscriber.Close()
	logger.Info().
		Str("broker", cfg.MQTT.BrokerURL).
		Str("prefix", cfg.MQTT.TopicPrefix).
		Msg("Broker connected")

	go eng.Run(ctx)

	// Metrics server
	metricsServer := metrics.NewServer(fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.MetricsPort), logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer func() { _ = metricsServer.Stop() }()

	// REST API
	apiCfg := api.Config{
		Addr: fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.Port),
		Pin:  cfg.HTTP.Pin,
	}
	if artworkCache != nil {
		apiCfg.ArtworkDir = artworkCache.Dir()
	}
	apiServer := api.NewServer(apiCfg, store, eng, aggregator, policyEngine, logger)
	apiServer.Start()

	logger.Info().Msg("Playwarden started")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}

	logger.Info().Msg("Playwarden stopped")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
