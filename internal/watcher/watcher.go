package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// ChunkFileInfo describes a discovered chunk file. The start time is
// derived from the filename sequence number, so it is approximate.
type ChunkFileInfo struct {
	Path           string    `json:"path"`
	Name           string    `json:"name"`
	SequenceNumber uint32    `json:"sequence_number"`
	StartTimeSec   float64   `json:"start_time_sec"`
	SizeBytes      int64     `json:"size_bytes"`
	ModTime        time.Time `json:"mod_time"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// Config holds watcher tuning parameters.
type Config struct {
	Folder             string        `json:"folder"`
	PollInterval       time.Duration `json:"poll_interval"`
	StabilityDelay     time.Duration `json:"stability_delay"`
	FilePrefix         string        `json:"file_prefix"`
	FileExtension      string        `json:"file_extension"`
	AssumedIntervalSec float64       `json:"assumed_interval_sec"`
	FileBuffer         int           `json:"file_buffer"`
}

// DefaultConfig returns the watcher defaults. Folder has no default
// and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		StabilityDelay:     2 * time.Second,
		FilePrefix:         "chunk_",
		FileExtension:      ".webm",
		AssumedIntervalSec: 20,
		FileBuffer:         32,
	}
}

// Stats is a point-in-time snapshot of watcher activity.
type Stats struct {
	Scans           uint64    `json:"scans"`
	FilesDiscovered uint64    `json:"files_discovered"`
	Errors          uint64    `json:"errors"`
	LastScanTime    time.Time `json:"last_scan_time"`
	Watching        bool      `json:"watching"`
}

// Watcher polls a folder and surfaces each matching chunk file exactly
// once. A file counts as ready when it is non-empty and its mtime is
// at least StabilityDelay in the past.
type Watcher struct {
	cfg     Config
	pattern *regexp.Regexp
	clock   Clock
	logger  *slog.Logger
	files   chan ChunkFileInfo

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	seen    map[string]bool
	running bool
	stopped bool

	scans           uint64
	filesDiscovered uint64
	errors          uint64
	lastScanTime    time.Time

	mu sync.RWMutex
}

// New creates a watcher for the configured folder. A nil clock uses
// the system clock.
func New(cfg Config, clock Clock, logger *slog.Logger) (*Watcher, error) {
	if cfg.Folder == "" {
		return nil, fmt.Errorf("watch folder must not be empty")
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StabilityDelay <= 0 {
		cfg.StabilityDelay = def.StabilityDelay
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = def.FilePrefix
	}
	if cfg.FileExtension == "" {
		cfg.FileExtension = def.FileExtension
	}
	if cfg.AssumedIntervalSec <= 0 {
		cfg.AssumedIntervalSec = def.AssumedIntervalSec
	}
	if cfg.FileBuffer <= 0 {
		cfg.FileBuffer = def.FileBuffer
	}
	if clock == nil {
		clock = SystemClock()
	}

	pattern := regexp.MustCompile(
		`^` + regexp.QuoteMeta(cfg.FilePrefix) + `(\d+)` + regexp.QuoteMeta(cfg.FileExtension) + `$`)

	return &Watcher{
		cfg:     cfg,
		pattern: pattern,
		clock:   clock,
		logger:  logger,
		files:   make(chan ChunkFileInfo, cfg.FileBuffer),
		seen:    make(map[string]bool),
	}, nil
}

// Files returns the discovery channel. It is closed by Stop.
func (w *Watcher) Files() <-chan ChunkFileInfo {
	return w.files
}

// Start begins polling. The loop runs one scan immediately, then one
// per poll interval until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher already stopped")
	}
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pollLoop(runCtx)

	w.logger.Info("Folder watcher started",
		slog.String("folder", w.cfg.Folder),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("stability_delay", w.cfg.StabilityDelay))
	return nil
}

// Stop halts polling and closes the discovery channel. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.running = false
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	close(w.files)

	w.logger.Info("Folder watcher stopped",
		slog.Uint64("files_discovered", w.filesDiscovered))
}

// Reset clears the dedup set so existing files can be surfaced again.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]bool)
	w.logger.Info("Watcher dedup state reset")
}

// GetStats returns a snapshot of watcher counters.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Scans:           w.scans,
		FilesDiscovered: w.filesDiscovered,
		Errors:          w.errors,
		LastScanTime:    w.lastScanTime,
		Watching:        w.running,
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.scan(ctx)
		}
	}
}

// scan reads the folder once and sends every new, stable chunk file.
// A file is marked seen only after it is delivered, so a send aborted
// by cancellation is retried on the next scan.
func (w *Watcher) scan(ctx context.Context) {
	now := w.clock.Now()
	w.mu.Lock()
	w.scans++
	w.lastScanTime = now
	w.mu.Unlock()

	entries, err := os.ReadDir(w.cfg.Folder)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		w.logger.Warn("Failed to read watch folder",
			slog.String("folder", w.cfg.Folder),
			slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		seq, ok := w.parseSequence(name)
		if !ok {
			continue
		}

		w.mu.RLock()
		known := w.seen[name]
		w.mu.RUnlock()
		if known {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
			w.logger.Warn("Failed to stat chunk file",
				slog.String("name", name),
				slog.String("error", err.Error()))
			continue
		}
		if info.Size() == 0 || now.Sub(info.ModTime()) < w.cfg.StabilityDelay {
			continue
		}

		file := ChunkFileInfo{
			Path:           filepath.Join(w.cfg.Folder, name),
			Name:           name,
			SequenceNumber: seq,
			StartTimeSec:   float64(seq) * w.cfg.AssumedIntervalSec,
			SizeBytes:      info.Size(),
			ModTime:        info.ModTime(),
			DiscoveredAt:   now,
		}

		select {
		case w.files <- file:
			w.mu.Lock()
			w.seen[name] = true
			w.filesDiscovered++
			w.mu.Unlock()
			w.logger.Info("Chunk file discovered",
				slog.String("name", name),
				slog.Uint64("sequence", uint64(seq)),
				slog.Int64("size_bytes", info.Size()))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) parseSequence(name string) (uint32, bool) {
	m := w.pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(seq), true
}
