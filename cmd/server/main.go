package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auricleai/auricle/internal/capture"
	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/config"
	"github.com/auricleai/auricle/internal/metrics"
	"github.com/auricleai/auricle/internal/process"
	"github.com/auricleai/auricle/internal/server"
	"github.com/auricleai/auricle/internal/tasks"
	"github.com/auricleai/auricle/internal/transcription"
	"github.com/auricleai/auricle/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "auricle"
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
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Bool("udp_enabled", cfg.UDP.Enabled),
		slog.Bool("monitor_enabled", cfg.Monitor.Enabled),
		slog.String("captures_directory", cfg.Captures.Directory),
		slog.String("database_path", cfg.Captures.DatabasePath),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.Int("endpoint_timeout_seconds", cfg.Endpointing.TimeoutSeconds),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	store, err := catalog.NewStore(cfg.Captures.DatabasePath, logger)
	if err != nil {
		logger.Error("Failed to open catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	// Any conversation the previous run left non-terminal can never resume;
	// its detection state died with the process.
	failed, err := store.FailInFlight(ctx)
	if err != nil {
		logger.Error("Failed to sweep in-flight conversations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if failed > 0 {
		logger.Warn("Marked interrupted conversations as failed", slog.Int64("count", failed))
	}

	queue := tasks.NewQueue()
	dispatcher := tasks.NewDispatcher(queue, logger)
	dispatcher.SetObserver(appMetrics)
	dispatcher.Start()

	hub := server.NewHub(cfg.Server.AuthToken, appMetrics, logger)

	dir := capture.NewDirectory(cfg.Captures.Directory)
	orch := capture.NewOrchestrator(dir, store, queue, cfg.VAD, cfg.Endpointing,
		func() vad.Model { return vad.NewEnergyModel() }, nil, hub, logger)
	orch.SetObserver(appMetrics)
	logger.Info("Capture orchestrator initialized",
		slog.String("captures_directory", cfg.Captures.Directory))

	client, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	client.SetObserver(appMetrics)
	logger.Info("Transcription client initialized",
		slog.String("endpoint", cfg.Transcription.Endpoint),
		slog.String("model", cfg.Transcription.Model))

	// Summarization and link suggestion are external collaborators; without
	// one configured the processor skips those stages.
	processor := process.NewProcessor(store, client, nil, nil, hub,
		cfg.Processing.SummarizationModel, logger)
	orch.SetProcessor(processor)

	httpServer := server.NewHTTPServer(cfg, orch, dir, store, processor, hub, client, appMetrics, logger)
	httpServer.Start()

	var udpServer *server.UDPServer
	if cfg.UDP.Enabled {
		udpServer = server.NewUDPServer(&cfg.UDP, orch, appMetrics, logger)
		if err := udpServer.Start(); err != nil {
			logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var monitor *server.Monitor
	if cfg.Monitor.Enabled {
		monitor = server.NewMonitor(&cfg.Monitor, hub, dispatcher, udpServer, client, logger)
		monitor.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)))

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Ingress first so no new work arrives, then the task dispatcher so
	// queued detection finishes, then the detection workers themselves.
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}
	}
	dispatcher.Stop()
	orch.Shutdown()
	hub.Close()
	if err := client.Close(); err != nil {
		logger.Error("Error closing transcription client", slog.String("error", err.Error()))
	}
	if monitor != nil {
		if err := monitor.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping monitor server", slog.String("error", err.Error()))
		}
	}

	taskStats := dispatcher.Stats()
	logger.Info("Final task statistics",
		slog.Int64("processed", taskStats.Processed),
		slog.Int64("failed", taskStats.Failed),
		slog.Int64("panicked", taskStats.Panicked))

	logger.Info("Service stopped")
}

// initLogger builds the structured logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
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
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
