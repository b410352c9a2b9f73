package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/karaoke-pitch-service/internal/audio"
	"github.com/skypro1111/karaoke-pitch-service/internal/bus"
	"github.com/skypro1111/karaoke-pitch-service/internal/capture"
	"github.com/skypro1111/karaoke-pitch-service/internal/config"
	"github.com/skypro1111/karaoke-pitch-service/internal/coordinator"
	"github.com/skypro1111/karaoke-pitch-service/internal/metrics"
	"github.com/skypro1111/karaoke-pitch-service/internal/processor"
	"github.com/skypro1111/karaoke-pitch-service/internal/relay"
	"github.com/skypro1111/karaoke-pitch-service/internal/server"
	"github.com/skypro1111/karaoke-pitch-service/internal/storage"
	"github.com/skypro1111/karaoke-pitch-service/internal/transform"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "karaoke-pitch-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("block_frames", cfg.Audio.BlockFrames),
		slog.Int("max_queued_chunks", cfg.Audio.MaxQueuedChunks),
		slog.Duration("max_latency", cfg.Audio.GetMaxLatency()),
		slog.String("output", cfg.Audio.Output),
		slog.String("engine", cfg.Transform.Engine),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Private registry so the HTTP API exposes exactly what we register
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	newEngine, err := transform.Lookup(cfg.Transform.Engine)
	if err != nil {
		return fmt.Errorf("transform engine: %w (available: %v)", err, transform.Names())
	}

	newSink, err := audio.NewSinkFactory(audio.SinkConfig{
		Kind:        cfg.Audio.Output,
		SampleRate:  cfg.Audio.SampleRate,
		BlockFrames: cfg.Audio.BlockFrames,
		RecordPath:  cfg.Audio.RecordPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("audio output: %w", err)
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	feed := capture.NewFeed(cfg.Server.StreamBuffer, logger)
	defer feed.Close()

	proc := processor.New(feed, newEngine, newSink, processor.Config{
		MaxQueuedChunks: cfg.Audio.MaxQueuedChunks,
	}, appMetrics, logger)

	router := bus.NewRouter(logger)

	coord := coordinator.New(proc, feed, store, router, coordinator.Config{
		QueueSize:       cfg.Coordinator.QueueSize,
		TabIdleTimeout:  cfg.Coordinator.GetTabIdleTimeoutDuration(),
		CleanupInterval: cfg.Coordinator.GetCleanupIntervalDuration(),
	}, appMetrics, logger)
	proc.OnSessionLost(coord.SessionLost)

	relays := relay.NewManager(coord, router, relay.Config{
		Version:     serviceVersion,
		MailboxSize: cfg.Coordinator.RelayMailboxSize,
		OutboxSize:  cfg.Coordinator.RelayOutboxSize,
	}, logger)

	udpServer := server.NewUDPServer(&cfg.Server, logger, feed, appMetrics)
	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return proc.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg, server.Dependencies{
			Coordinator: coord,
			Relays:      relays,
			Bus:         router,
			Processor:   proc,
			Feed:        feed,
			UDP:         udpServer,
			Gatherer:    registry,
		}, appMetrics, serviceVersion, logger)

		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-gctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Inbound traffic first, then the tab contexts, then capture
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}
	relays.Stop()
	coord.Stop()

	err = g.Wait()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Int("tracked_tabs", len(coord.Tabs())),
	)

	return err
}

// openStore opens the bolt database, or an in-memory store without a path
func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Path == "" {
		logger.Warn("No storage path configured, video settings will not survive restarts")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.OpenBolt(cfg.Path, cfg.GetTimeoutDuration(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}
	return store, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
