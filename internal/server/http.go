package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iwabuchi404/koe-note-sub002/internal/config"
	"github.com/iwabuchi404/koe-note-sub002/internal/metrics"
	"github.com/iwabuchi404/koe-note-sub002/internal/pipeline"
	"github.com/iwabuchi404/koe-note-sub002/internal/transcription"
)

// HTTPServer provides HTTP API endpoints for monitoring the recorder
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	pipeline *pipeline.Manager
	client   *transcription.Client
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, mgr *pipeline.Manager, client *transcription.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pipeline:  mgr,
		client:    client,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Queue detail endpoint
	mux.HandleFunc("/queue", h.withMetrics("/queue", h.handleQueue))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	stats := h.pipeline.GetStats()
	clientStats := h.client.GetStats()

	pipelineStatus := "idle"
	if stats.Running {
		pipelineStatus = "running"
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "koe-note-recorder",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"pipeline": map[string]interface{}{
				"status":           pipelineStatus,
				"mode":             stats.Mode,
				"chunks_generated": stats.Generator.ChunksGenerated,
				"recording_state":  stats.Generator.State,
			},
			"queue": map[string]interface{}{
				"status":     "running",
				"pending":    stats.Queue.Pending,
				"processing": stats.Queue.Processing,
				"completed":  stats.Queue.Completed,
				"failed":     stats.Queue.Failed,
			},
			"transcription": map[string]interface{}{
				"status":          "running",
				"total_requests":  clientStats.TotalRequests,
				"success_rate":    clientStats.SuccessRate,
				"active_requests": clientStats.ActiveRequests,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":        uptime.String(),
		"timestamp":     time.Now().UTC(),
		"pipeline":      h.pipeline.GetStats(),
		"transcription": h.client.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleQueue implements the /queue endpoint
func (h *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"stats":     h.pipeline.GetQueueStats(),
		"completed": h.pipeline.GetCompletedItems(),
		"failed":    h.pipeline.GetFailedItems(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"recorder": map[string]interface{}{
			"chunk_interval_sec": h.config.Recorder.ChunkIntervalSec,
			"output_folder":      h.config.Recorder.OutputFolder,
			"file_prefix":        h.config.Recorder.FilePrefix,
			"file_extension":     h.config.Recorder.FileExtension,
			"save_chunks":        h.config.Recorder.SaveChunks,
			"batch_chunk_bytes":  h.config.Recorder.BatchChunkBytes,
		},
		"alignment": map[string]interface{}{
			"min_chunk_size":       h.config.Alignment.MinChunkSize,
			"max_search_bytes":     h.config.Alignment.MaxSearchBytes,
			"confidence_threshold": h.config.Alignment.ConfidenceThreshold,
			"max_trim_bytes":       h.config.Alignment.MaxTrimBytes,
			"max_trim_ratio":       h.config.Alignment.MaxTrimRatio,
			"entropy_threshold":    h.config.Alignment.EntropyThreshold,
		},
		"queue": map[string]interface{}{
			"max_concurrency": h.config.Queue.MaxConcurrency,
			"max_retries":     h.config.Queue.MaxRetries,
			"retry_base_ms":   h.config.Queue.RetryBaseMs,
			"retry_max_ms":    h.config.Queue.RetryMaxMs,
		},
		"watcher": map[string]interface{}{
			"enabled":              h.config.Watcher.Enabled,
			"folder":               h.config.Watcher.Folder,
			"poll_interval_sec":    h.config.Watcher.PollIntervalSec,
			"stability_delay_sec":  h.config.Watcher.StabilityDelaySec,
			"assumed_interval_sec": h.config.Watcher.AssumedIntervalSec,
		},
		"transcription": map[string]interface{}{
			"endpoint":          h.config.Transcription.Endpoint,
			"timeout":           h.config.Transcription.Timeout,
			"max_concurrent":    h.config.Transcription.MaxConcurrent,
			"language":          h.config.Transcription.Language,
			"model":             h.config.Transcription.Model,
			"beam_size":         h.config.Transcription.BeamSize,
			"output_format":     h.config.Transcription.OutputFormat,
			"transcript_folder": h.config.Transcription.TranscriptFolder,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Koe-Note Chunk Recorder",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /stats":   "Aggregated pipeline statistics",
			"GET /queue":   "Transcription queue detail",
			"GET /config":  "Get service configuration",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
