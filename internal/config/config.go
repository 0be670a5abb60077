package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Recorder      RecorderConfig      `yaml:"recorder"`
	Alignment     AlignmentConfig     `yaml:"alignment"`
	Queue         QueueConfig         `yaml:"queue"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// RecorderConfig contains chunk generation parameters
type RecorderConfig struct {
	ChunkIntervalSec float64 `yaml:"chunk_interval_sec"` // seconds
	OutputFolder     string  `yaml:"output_folder"`
	FilePrefix       string  `yaml:"file_prefix"`
	FileExtension    string  `yaml:"file_extension"`
	SaveChunks       bool    `yaml:"save_chunks"`
	BatchChunkBytes  int     `yaml:"batch_chunk_bytes"`
}

// AlignmentConfig contains block boundary alignment parameters
type AlignmentConfig struct {
	MinChunkSize        int     `yaml:"min_chunk_size"`   // bytes
	MaxSearchBytes      int     `yaml:"max_search_bytes"` // bytes
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxTrimBytes        int     `yaml:"max_trim_bytes"` // bytes
	MaxTrimRatio        float64 `yaml:"max_trim_ratio"`
	EntropyThreshold    float64 `yaml:"entropy_threshold"` // bits per byte
}

// QueueConfig contains transcription queue configuration
type QueueConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	MaxRetries     int `yaml:"max_retries"`
	RetryBaseMs    int `yaml:"retry_base_ms"` // milliseconds
	RetryMaxMs     int `yaml:"retry_max_ms"`  // milliseconds
}

// WatcherConfig contains folder watcher configuration
type WatcherConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Folder             string  `yaml:"folder"`
	PollIntervalSec    float64 `yaml:"poll_interval_sec"`   // seconds
	StabilityDelaySec  float64 `yaml:"stability_delay_sec"` // seconds
	AssumedIntervalSec float64 `yaml:"assumed_interval_sec"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Timeout          int    `yaml:"timeout"` // seconds
	MaxConcurrent    int    `yaml:"max_concurrent"`
	Language         string `yaml:"language"`
	Model            string `yaml:"model"`
	BeamSize         int    `yaml:"beam_size"`
	OutputFormat     string `yaml:"output_format"`
	TranscriptFolder string `yaml:"transcript_folder"`
	TranscriptPrefix string `yaml:"transcript_prefix"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration. Output may be
// "stdout", "stderr" or a file path; the rotation fields apply only to
// file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration suitable for local recording against
// a transcription service on localhost.
func Default() *Config {
	return &Config{
		Recorder: RecorderConfig{
			ChunkIntervalSec: 20,
			OutputFolder:     "chunks",
			FilePrefix:       "chunk_",
			FileExtension:    ".webm",
			SaveChunks:       false,
			BatchChunkBytes:  1 << 20,
		},
		Alignment: AlignmentConfig{
			MinChunkSize:        1024,
			MaxSearchBytes:      1024,
			ConfidenceThreshold: 0.6,
			MaxTrimBytes:        150,
			MaxTrimRatio:        0.08,
			EntropyThreshold:    6.5,
		},
		Queue: QueueConfig{
			MaxConcurrency: 2,
			MaxRetries:     3,
			RetryBaseMs:    1000,
			RetryMaxMs:     10000,
		},
		Watcher: WatcherConfig{
			Enabled:            false,
			Folder:             "incoming",
			PollIntervalSec:    1,
			StabilityDelaySec:  2,
			AssumedIntervalSec: 20,
		},
		Transcription: TranscriptionConfig{
			Endpoint:         "http://localhost:8000/transcribe",
			Timeout:          30,
			MaxConcurrent:    4,
			Language:         "ja",
			Model:            "kotoba-tech/kotoba-whisper-v2.0-faster",
			BeamSize:         5,
			OutputFormat:     "json",
			TranscriptFolder: "transcripts",
			TranscriptPrefix: "transcript_",
		},
		HTTP: HTTPConfig{
			Port:    8085,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	if err := c.Alignment.Validate(); err != nil {
		return fmt.Errorf("alignment config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// Watching the folder the recorder itself writes to would feed
	// every saved chunk straight back into the queue.
	if c.Recorder.SaveChunks && c.Watcher.Enabled && c.Recorder.OutputFolder == c.Watcher.Folder {
		return fmt.Errorf("watcher folder must differ from output_folder when save_chunks is enabled, both are '%s'",
			c.Watcher.Folder)
	}

	return nil
}

// Validate validates recorder configuration
func (r *RecorderConfig) Validate() error {
	if r.ChunkIntervalSec <= 0 {
		return fmt.Errorf("chunk_interval_sec must be positive, got %f", r.ChunkIntervalSec)
	}

	if r.ChunkIntervalSec > 600 {
		return fmt.Errorf("chunk_interval_sec must be at most 600 seconds, got %f", r.ChunkIntervalSec)
	}

	if r.BatchChunkBytes < 1024 {
		return fmt.Errorf("batch_chunk_bytes must be at least 1024 bytes, got %d", r.BatchChunkBytes)
	}

	if r.FileExtension != "" && r.FileExtension[0] != '.' {
		return fmt.Errorf("file_extension must start with '.', got '%s'", r.FileExtension)
	}

	if r.SaveChunks && r.OutputFolder == "" {
		return fmt.Errorf("output_folder cannot be empty when save_chunks is enabled")
	}

	return nil
}

// Validate validates alignment configuration
func (a *AlignmentConfig) Validate() error {
	if a.MinChunkSize < 1 {
		return fmt.Errorf("min_chunk_size must be at least 1 byte, got %d", a.MinChunkSize)
	}

	if a.MaxSearchBytes < 1 {
		return fmt.Errorf("max_search_bytes must be at least 1 byte, got %d", a.MaxSearchBytes)
	}

	if a.ConfidenceThreshold < 0 || a.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", a.ConfidenceThreshold)
	}

	if a.MaxTrimBytes < 0 {
		return fmt.Errorf("max_trim_bytes cannot be negative, got %d", a.MaxTrimBytes)
	}

	if a.MaxTrimRatio < 0 || a.MaxTrimRatio >= 1 {
		return fmt.Errorf("max_trim_ratio must be between 0 and 1 (exclusive), got %f", a.MaxTrimRatio)
	}

	if a.EntropyThreshold <= 0 || a.EntropyThreshold > 8 {
		return fmt.Errorf("entropy_threshold must be between 0 and 8 bits, got %f", a.EntropyThreshold)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", q.MaxConcurrency)
	}

	if q.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", q.MaxRetries)
	}

	if q.RetryBaseMs < 1 {
		return fmt.Errorf("retry_base_ms must be at least 1, got %d", q.RetryBaseMs)
	}

	if q.RetryMaxMs < q.RetryBaseMs {
		return fmt.Errorf("retry_max_ms (%d) must be at least retry_base_ms (%d)",
			q.RetryMaxMs, q.RetryBaseMs)
	}

	return nil
}

// Validate validates watcher configuration
func (w *WatcherConfig) Validate() error {
	if !w.Enabled {
		return nil
	}

	if w.Folder == "" {
		return fmt.Errorf("folder cannot be empty when the watcher is enabled")
	}

	if w.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_sec must be positive, got %f", w.PollIntervalSec)
	}

	if w.StabilityDelaySec < 0 {
		return fmt.Errorf("stability_delay_sec cannot be negative, got %f", w.StabilityDelaySec)
	}

	if w.AssumedIntervalSec <= 0 {
		return fmt.Errorf("assumed_interval_sec must be positive, got %f", w.AssumedIntervalSec)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if t.BeamSize < 1 {
		return fmt.Errorf("beam_size must be at least 1, got %d", t.BeamSize)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.MaxSizeMB < 0 {
		return fmt.Errorf("max_size_mb cannot be negative, got %d", l.MaxSizeMB)
	}

	if l.MaxBackups < 0 {
		return fmt.Errorf("max_backups cannot be negative, got %d", l.MaxBackups)
	}

	if l.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days cannot be negative, got %d", l.MaxAgeDays)
	}

	return nil
}

// GetRetryBaseDelay returns the base retry delay as a time.Duration
func (q *QueueConfig) GetRetryBaseDelay() time.Duration {
	return time.Duration(q.RetryBaseMs) * time.Millisecond
}

// GetRetryMaxDelay returns the retry delay cap as a time.Duration
func (q *QueueConfig) GetRetryMaxDelay() time.Duration {
	return time.Duration(q.RetryMaxMs) * time.Millisecond
}

// GetPollInterval returns the watcher poll interval as a time.Duration
func (w *WatcherConfig) GetPollInterval() time.Duration {
	return time.Duration(w.PollIntervalSec * float64(time.Second))
}

// GetStabilityDelay returns the file stability delay as a time.Duration
func (w *WatcherConfig) GetStabilityDelay() time.Duration {
	return time.Duration(w.StabilityDelaySec * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
