package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iwabuchi404/koe-note-sub002/internal/align"
	"github.com/iwabuchi404/koe-note-sub002/internal/chunk"
	"github.com/iwabuchi404/koe-note-sub002/internal/config"
	"github.com/iwabuchi404/koe-note-sub002/internal/metrics"
	"github.com/iwabuchi404/koe-note-sub002/internal/pipeline"
	"github.com/iwabuchi404/koe-note-sub002/internal/queue"
	"github.com/iwabuchi404/koe-note-sub002/internal/server"
	"github.com/iwabuchi404/koe-note-sub002/internal/transcription"
	"github.com/iwabuchi404/koe-note-sub002/internal/watcher"
)

const (
	serviceName    = "koe-note-recorder"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when omitted)")
	modeFlag := flag.String("mode", "realtime", "Processing mode: realtime or batch")
	inputPath := flag.String("input", "", "WebM file to process (batch mode)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	mode := pipeline.Mode(*modeFlag)
	if mode != pipeline.ModeRealtime && mode != pipeline.ModeBatch {
		fmt.Fprintf(os.Stderr, "Invalid mode %q: must be realtime or batch\n", *modeFlag)
		os.Exit(1)
	}
	if mode == pipeline.ModeBatch && *inputPath == "" {
		fmt.Fprintln(os.Stderr, "Batch mode requires -input <file>")
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("mode", string(mode)),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Float64("chunk_interval_sec", cfg.Recorder.ChunkIntervalSec),
		slog.Bool("save_chunks", cfg.Recorder.SaveChunks),
		slog.String("output_folder", cfg.Recorder.OutputFolder),
		slog.Bool("watcher_enabled", cfg.Watcher.Enabled),
		slog.String("watcher_folder", cfg.Watcher.Folder),
		slog.Int("queue_concurrency", cfg.Queue.MaxConcurrency),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize transcription client
	client, err := transcription.NewClient(transcription.Config{
		Endpoint:       cfg.Transcription.Endpoint,
		APIKey:         cfg.Transcription.APIKey,
		Timeout:        cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent:  cfg.Transcription.MaxConcurrent,
		Language:       cfg.Transcription.Language,
		Model:          cfg.Transcription.Model,
		BeamSize:       cfg.Transcription.BeamSize,
		OutputFormat:   cfg.Transcription.OutputFormat,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The watcher only serves live recordings; batch runs read their
	// input directly.
	watcherEnabled := cfg.Watcher.Enabled && mode == pipeline.ModeRealtime

	// Create pipeline manager configuration
	pipelineConfig := pipeline.ManagerConfig{
		Mode: mode,
		Generator: chunk.GeneratorConfig{
			IntervalSec:   cfg.Recorder.ChunkIntervalSec,
			FilePrefix:    cfg.Recorder.FilePrefix,
			FileExtension: cfg.Recorder.FileExtension,
			SaveChunks:    cfg.Recorder.SaveChunks,
		},
		Queue: queue.Config{
			MaxConcurrency: cfg.Queue.MaxConcurrency,
			MaxRetries:     cfg.Queue.MaxRetries,
			RetryBaseDelay: cfg.Queue.GetRetryBaseDelay(),
			RetryMaxDelay:  cfg.Queue.GetRetryMaxDelay(),
		},
		Watcher: watcher.Config{
			Folder:             cfg.Watcher.Folder,
			PollInterval:       cfg.Watcher.GetPollInterval(),
			StabilityDelay:     cfg.Watcher.GetStabilityDelay(),
			FilePrefix:         cfg.Recorder.FilePrefix,
			FileExtension:      cfg.Recorder.FileExtension,
			AssumedIntervalSec: cfg.Watcher.AssumedIntervalSec,
		},
		WatcherEnabled: watcherEnabled,
		Aligner: align.Config{
			MinChunkSize:        cfg.Alignment.MinChunkSize,
			MaxSearchBytes:      cfg.Alignment.MaxSearchBytes,
			ConfidenceThreshold: cfg.Alignment.ConfidenceThreshold,
			MaxTrimBytes:        cfg.Alignment.MaxTrimBytes,
			MaxTrimRatio:        cfg.Alignment.MaxTrimRatio,
			EntropyThreshold:    cfg.Alignment.EntropyThreshold,
		},
		ChunkFolder:      cfg.Recorder.OutputFolder,
		BatchChunkBytes:  cfg.Recorder.BatchChunkBytes,
		TranscriptFolder: cfg.Transcription.TranscriptFolder,
		TranscriptPrefix: cfg.Transcription.TranscriptPrefix,
	}

	// Initialize pipeline manager
	mgr, err := pipeline.NewManager(pipelineConfig, client, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create pipeline manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Pipeline manager initialized",
		slog.String("mode", string(mode)),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, mgr, client, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start pipeline
	if err := mgr.Start(ctx); err != nil {
		logger.Error("Failed to start pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	switch mode {
	case pipeline.ModeBatch:
		runBatch(mgr, *inputPath, sigChan, logger)
	default:
		if !watcherEnabled {
			logger.Warn("Watcher disabled: realtime mode has no ingest source until chunks arrive via the API")
		}
		logger.Info("Service started successfully, waiting for signals...")

		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-ctx.Done():
			logger.Info("Context cancelled, shutting down")
		}
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop pipeline (flush the open chunk, drain consumers)
	mgr.Stop()

	// Release transcription client connections
	if err := client.Close(); err != nil {
		logger.Error("Error closing transcription client", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := mgr.GetStats()
	logger.Info("Final recorder statistics",
		slog.Uint64("slices_received", stats.Generator.SlicesReceived),
		slog.Uint64("chunks_generated", stats.Generator.ChunksGenerated),
		slog.Int("transcriptions_completed", stats.Queue.Completed),
		slog.Int("transcriptions_failed", stats.Queue.Failed),
		slog.Uint64("transcripts_written", stats.TranscriptsWritten),
	)

	logger.Info("Service stopped")
}

// runBatch enqueues every window of the input file and waits until the
// queue reaches a terminal state for all of them.
func runBatch(mgr *pipeline.Manager, inputPath string, sigChan <-chan os.Signal, logger *slog.Logger) {
	total, err := mgr.ProcessFile(inputPath)
	if err != nil {
		logger.Error("Failed to process input file",
			slog.String("path", inputPath),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("Batch file enqueued",
		slog.String("path", inputPath),
		slog.Int("chunks", total))

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal during batch run", slog.String("signal", sig.String()))
			return
		case <-ticker.C:
			qs := mgr.GetQueueStats()
			if qs.Completed+qs.Failed >= total {
				logger.Info("Batch run finished",
					slog.Int("chunks", total),
					slog.Int("completed", qs.Completed),
					slog.Int("failed", qs.Failed))
				return
			}
		}
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
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
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// File path: rotate with lumberjack
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
