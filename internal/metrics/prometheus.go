package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the chunk pipeline. All
// Record methods are nil-safe so components can run without metrics.
type Metrics struct {
	// Recorder metrics
	SlicesReceived  prometheus.Counter
	ChunksGenerated prometheus.Counter
	ChunkDuration   prometheus.Histogram
	ChunkSize       prometheus.Histogram

	// Header repair metrics
	HeaderExtractions prometheus.Counter
	HeaderFallbacks   prometheus.Counter

	// Alignment metrics
	Alignments            *prometheus.CounterVec
	AlignmentTrimmedBytes prometheus.Histogram
	AlignmentConfidence   prometheus.Histogram

	// Queue metrics
	QueueDepth         prometheus.Gauge
	QueueCompleted     prometheus.Counter
	QueueFailed        prometheus.Counter
	QueueRetries       prometheus.Counter
	ProcessingDuration prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Watcher metrics
	FilesDiscovered prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Recorder metrics
		SlicesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_slices_received_total",
			Help: "Total number of raw recorder slices received",
		}),
		ChunksGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_chunks_generated_total",
			Help: "Total number of audio chunks generated",
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_chunk_duration_seconds",
			Help:    "Duration of generated audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_chunk_size_bytes",
			Help:    "Size of generated audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Header repair metrics
		HeaderExtractions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_header_extractions_total",
			Help: "Total number of WebM headers extracted from first slices",
		}),
		HeaderFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_header_fallbacks_total",
			Help: "Total number of chunks built with the minimal fallback header",
		}),

		// Alignment metrics
		Alignments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "koe_alignments_total",
			Help: "Total number of alignment decisions by action",
		}, []string{"action"}),
		AlignmentTrimmedBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_alignment_trimmed_bytes",
			Help:    "Bytes trimmed from chunk starts during alignment",
			Buckets: prometheus.LinearBuckets(0, 25, 7), // 0 to 150 bytes
		}),
		AlignmentConfidence: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_alignment_confidence",
			Help:    "Confidence score of alignment decisions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Queue metrics
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "koe_queue_depth",
			Help: "Current number of items waiting in the processing queue",
		}),
		QueueCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_queue_completed_total",
			Help: "Total number of queue items completed",
		}),
		QueueFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_queue_failed_total",
			Help: "Total number of queue items failed permanently",
		}),
		QueueRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_queue_retries_total",
			Help: "Total number of queue item retries",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_processing_duration_seconds",
			Help:    "Duration of queue item processing",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "koe_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Watcher metrics
		FilesDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "koe_files_discovered_total",
			Help: "Total number of chunk files discovered by the folder watcher",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "koe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "koe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "koe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSliceReceived increments the slices received counter
func (m *Metrics) RecordSliceReceived() {
	if m == nil {
		return
	}
	m.SlicesReceived.Inc()
}

// RecordChunkGenerated records a generated audio chunk
func (m *Metrics) RecordChunkGenerated(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksGenerated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordHeaderExtraction records a header extraction, counting fallbacks
// to the minimal header separately
func (m *Metrics) RecordHeaderExtraction(fallback bool) {
	if m == nil {
		return
	}
	m.HeaderExtractions.Inc()
	if fallback {
		m.HeaderFallbacks.Inc()
	}
}

// RecordAlignment records one alignment decision
func (m *Metrics) RecordAlignment(action string, trimmedBytes int, confidence float64) {
	if m == nil {
		return
	}
	m.Alignments.WithLabelValues(action).Inc()
	m.AlignmentTrimmedBytes.Observe(float64(trimmedBytes))
	m.AlignmentConfidence.Observe(confidence)
}

// SetQueueDepth sets the current pending queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordItemCompleted records a completed queue item
func (m *Metrics) RecordItemCompleted(processingSeconds float64) {
	if m == nil {
		return
	}
	m.QueueCompleted.Inc()
	m.ProcessingDuration.Observe(processingSeconds)
}

// RecordItemFailed increments the failed items counter
func (m *Metrics) RecordItemFailed() {
	if m == nil {
		return
	}
	m.QueueFailed.Inc()
}

// RecordItemRetry increments the retry counter
func (m *Metrics) RecordItemRetry() {
	if m == nil {
		return
	}
	m.QueueRetries.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordFileDiscovered increments the watcher discovery counter
func (m *Metrics) RecordFileDiscovered() {
	if m == nil {
		return
	}
	m.FilesDiscovered.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
