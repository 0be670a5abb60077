package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iwabuchi404/koe-note-sub002/internal/align"
	"github.com/iwabuchi404/koe-note-sub002/internal/chunk"
	"github.com/iwabuchi404/koe-note-sub002/internal/metrics"
	"github.com/iwabuchi404/koe-note-sub002/internal/queue"
	"github.com/iwabuchi404/koe-note-sub002/internal/transcription"
	"github.com/iwabuchi404/koe-note-sub002/internal/watcher"
	"github.com/iwabuchi404/koe-note-sub002/internal/webm"
)

// Transcriber sends one chunk out for transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, c *chunk.AudioChunk) (*transcription.Result, error)
}

// Mode selects how chunks enter the pipeline.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeBatch    Mode = "batch"
)

// EventType identifies outward pipeline events.
type EventType string

const (
	EventChunkGenerated         EventType = "chunk_generated"
	EventChunkSaved             EventType = "chunk_saved"
	EventChunkSkipped           EventType = "chunk_skipped"
	EventItemRetried            EventType = "item_retried"
	EventTranscriptionCompleted EventType = "transcription_completed"
	EventTranscriptionFailed    EventType = "transcription_failed"
)

// Event is the outward-facing pipeline event. Emission is
// non-blocking; slow consumers lose events rather than stall the
// pipeline.
type Event struct {
	Type      EventType              `json:"type"`
	Chunk     *chunk.AudioChunk      `json:"chunk,omitempty"`
	File      *watcher.ChunkFileInfo `json:"file,omitempty"`
	Result    *transcription.Result  `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ManagerConfig contains configuration for the pipeline manager.
type ManagerConfig struct {
	Mode             Mode
	Generator        chunk.GeneratorConfig
	Queue            queue.Config
	Watcher          watcher.Config
	WatcherEnabled   bool
	Aligner          align.Config
	Extractor        webm.ExtractorConfig
	ChunkFolder      string
	RealtimePriority int
	BatchChunkBytes  int
	TranscriptFolder string
	TranscriptPrefix string
	EventBuffer      int
}

// Stats aggregates the pipeline component statistics.
type Stats struct {
	Mode               string               `json:"mode"`
	Running            bool                 `json:"running"`
	Generator          chunk.GeneratorStats `json:"generator"`
	Aligner            align.Stats          `json:"aligner"`
	Extractor          webm.ExtractorStats  `json:"extractor"`
	Queue              queue.Stats          `json:"queue"`
	Watcher            *watcher.Stats       `json:"watcher,omitempty"`
	TranscriptsWritten uint64               `json:"transcripts_written"`
}

// ConfigUpdate carries optional runtime tuning changes. Nil fields are
// left unchanged.
type ConfigUpdate struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxConcurrency      *int     `json:"max_concurrency,omitempty"`
	ChunkIntervalSec    *float64 `json:"chunk_interval_sec,omitempty"`
}

// Manager wires the chunk generator, aligner, queue, watcher and
// transcription collaborator into one pipeline.
type Manager struct {
	cfg         ManagerConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	transcriber Transcriber

	extractor *webm.Extractor
	aligner   *align.Aligner
	generator *chunk.Generator
	queue     *queue.Queue
	watcher   *watcher.Watcher
	writer    *transcription.Writer

	events chan Event

	cancel context.CancelFunc
	group  *errgroup.Group

	results       map[string]*transcription.Result
	watcherHeader *webm.HeaderInfo
	running       bool

	mu sync.RWMutex
}

// NewManager creates the pipeline manager and its components. The
// transcriber is injected so callers control the external dependency;
// metrics may be nil.
func NewManager(cfg ManagerConfig, transcriber Transcriber, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber must not be nil")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRealtime
	}
	if cfg.Mode != ModeRealtime && cfg.Mode != ModeBatch {
		return nil, fmt.Errorf("mode must be realtime or batch, got %q", cfg.Mode)
	}
	if cfg.Generator.IntervalSec <= 0 {
		cfg.Generator.IntervalSec = 20
	}
	if cfg.Mode == ModeRealtime && cfg.Generator.TickInterval <= 0 {
		cfg.Generator.TickInterval = time.Second
	}
	if cfg.RealtimePriority <= 0 {
		cfg.RealtimePriority = 10
	}
	if cfg.BatchChunkBytes <= 0 {
		cfg.BatchChunkBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.WatcherEnabled && cfg.Watcher.AssumedIntervalSec <= 0 {
		cfg.Watcher.AssumedIntervalSec = watcher.DefaultConfig().AssumedIntervalSec
	}

	extractor := webm.NewExtractor(cfg.Extractor, logger)
	aligner := align.New(cfg.Aligner, logger)

	var saver *chunk.Saver
	if cfg.Generator.SaveChunks {
		if cfg.ChunkFolder == "" {
			return nil, fmt.Errorf("chunk persistence enabled without an output folder")
		}
		saver = chunk.NewSaver(cfg.ChunkFolder, logger)
	}

	generator, err := chunk.NewGenerator(cfg.Generator, extractor, aligner, saver, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk generator: %w", err)
	}

	mgr := &Manager{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		transcriber: transcriber,
		extractor:   extractor,
		aligner:     aligner,
		generator:   generator,
		events:      make(chan Event, cfg.EventBuffer),
		results:     make(map[string]*transcription.Result),
	}
	mgr.queue = queue.New(cfg.Queue, mgr.processChunk, logger)

	if cfg.WatcherEnabled {
		w, err := watcher.New(cfg.Watcher, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create folder watcher: %w", err)
		}
		mgr.watcher = w
	}

	if cfg.TranscriptFolder != "" {
		mgr.writer = transcription.NewWriter(cfg.TranscriptFolder, cfg.TranscriptPrefix, logger)
	}

	return mgr, nil
}

// Events returns the outward event channel. It is closed by Stop.
func (p *Manager) Events() <-chan Event {
	return p.events
}

// Start launches the event consumers and, when enabled, the folder
// watcher.
func (p *Manager) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	p.group = group
	p.mu.Unlock()

	group.Go(func() error {
		p.consumeGeneratorEvents(groupCtx)
		return nil
	})
	group.Go(func() error {
		p.consumeQueueEvents(groupCtx)
		return nil
	})

	if p.watcher != nil {
		if err := p.watcher.Start(runCtx); err != nil {
			cancel()
			_ = group.Wait()
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return fmt.Errorf("failed to start folder watcher: %w", err)
		}
		group.Go(func() error {
			p.consumeWatcherFiles(groupCtx)
			return nil
		})
	}

	p.logger.Info("Pipeline started",
		slog.String("mode", string(p.cfg.Mode)),
		slog.Bool("watcher_enabled", p.watcher != nil),
		slog.Int("realtime_priority", p.cfg.RealtimePriority))
	return nil
}

// Stop flushes the recording session, halts the watcher and queue, and
// closes the outward event channel. Idempotent.
func (p *Manager) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("Stopping pipeline...")

	// Flush the open window first so the final chunk still reaches the
	// consumers, then tear down the sources before the consumers.
	if err := p.generator.StopRecording(); err != nil {
		p.logger.Warn("Error stopping recording", slog.String("error", err.Error()))
	}
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.queue.Stop()
	cancel()
	if err := p.group.Wait(); err != nil {
		p.logger.Warn("Pipeline consumer error", slog.String("error", err.Error()))
	}
	close(p.events)

	stats := p.GetStats()
	p.logger.Info("Pipeline stopped",
		slog.Uint64("chunks_generated", stats.Generator.ChunksGenerated),
		slog.Int("items_completed", stats.Queue.Completed),
		slog.Int("items_failed", stats.Queue.Failed),
		slog.Uint64("transcripts_written", stats.TranscriptsWritten))
}

// StartRecording opens a fresh recorder session.
func (p *Manager) StartRecording() error {
	return p.generator.StartRecording()
}

// StopRecording flushes the open window as a final chunk.
func (p *Manager) StopRecording() error {
	return p.generator.StopRecording()
}

// AddSlice feeds one raw recorder slice into the chunk generator.
func (p *Manager) AddSlice(data []byte) error {
	p.metrics.RecordSliceReceived()
	return p.generator.AddData(data)
}

// ProcessFile splits a recorded file into fixed-size windows and
// enqueues them all at once, earlier windows at higher priority so
// results come back in listening order. It returns the number of
// chunks enqueued.
func (p *Manager) ProcessFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read input file: %w", err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("input file is empty")
	}

	header := p.extractor.Extract(data)
	p.metrics.RecordHeaderExtraction(!header.IsValid)

	// On fallback HeaderSize describes the synthesized minimal header,
	// not an offset into this file; the whole file is then payload.
	offset := int(header.HeaderSize)
	if !header.IsValid || offset > len(data) {
		offset = 0
	}
	body := data[offset:]
	if len(body) == 0 {
		return 0, fmt.Errorf("input file has no payload after the header")
	}

	headerBytes := header.Effective()
	windowBytes := p.cfg.BatchChunkBytes
	total := (len(body) + windowBytes - 1) / windowBytes

	for i := 0; i < total; i++ {
		start := i * windowBytes
		end := start + windowBytes
		if end > len(body) {
			end = len(body)
		}
		window := body[start:end]

		payload := window
		if i > 0 {
			res := p.aligner.Align(window)
			p.metrics.RecordAlignment(string(res.Action), res.TrimmedBytes, res.Confidence)
			// A rejected window degrades to its original bytes; batch
			// chunks keep flowing.
			if res.Action == align.ActionUseAligned {
				payload = res.AlignedData
			}
		}
		full := webm.BuildChunk(headerBytes, payload)

		c := &chunk.AudioChunk{
			ID:             uuid.New().String(),
			SequenceNumber: uint32(i + 1),
			Payload:        full,
			FilePath:       path,
			CreatedAt:      time.Now(),
		}
		p.queue.Enqueue(c, total-i)
		p.metrics.RecordChunkGenerated(0, len(full))
	}
	p.metrics.SetQueueDepth(p.queue.GetPendingCount())

	p.logger.Info("Batch file split into chunks",
		slog.String("path", path),
		slog.Int("file_bytes", len(data)),
		slog.Int("chunks", total),
		slog.Int("window_bytes", windowBytes))
	return total, nil
}

// processChunk is the queue's processor slot: it sends one chunk to
// the transcription collaborator and stashes the result.
func (p *Manager) processChunk(ctx context.Context, c *chunk.AudioChunk) error {
	p.metrics.RecordTranscriptionRequest()

	start := time.Now()
	result, err := p.transcriber.Transcribe(ctx, c)
	elapsed := time.Since(start)
	if err != nil {
		p.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		return fmt.Errorf("transcription failed: %w", err)
	}
	p.metrics.RecordTranscriptionSuccess(elapsed.Seconds())

	p.mu.Lock()
	p.results[c.ID] = result
	p.mu.Unlock()

	// Transcript persistence is advisory: a write failure must not fail
	// the queue item.
	if p.writer != nil {
		if path, err := p.writer.Write(c.SequenceNumber, result); err != nil {
			p.logger.Error("Failed to write transcript",
				slog.String("chunk_id", c.ID),
				slog.String("error", err.Error()))
		} else {
			p.logger.Debug("Transcript saved", slog.String("path", path))
		}
	}

	p.logger.Info("Chunk transcribed",
		slog.String("chunk_id", c.ID),
		slog.Uint64("sequence", uint64(c.SequenceNumber)),
		slog.Int("text_len", len(result.Text)),
		slog.Float64("elapsed_sec", elapsed.Seconds()))
	return nil
}

func (p *Manager) consumeGeneratorEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.generator.Events():
			if !ok {
				return
			}
			p.handleGeneratorEvent(ev)
		}
	}
}

func (p *Manager) handleGeneratorEvent(ev chunk.Event) {
	switch ev.Type {
	case chunk.EventChunkGenerated:
		c := ev.Chunk
		p.metrics.RecordChunkGenerated(c.DurationSec, c.SizeBytes())
		if c.SequenceNumber == 1 {
			if hi := p.generator.HeaderInfo(); hi != nil {
				p.metrics.RecordHeaderExtraction(!hi.IsValid)
			}
		}
		if ev.Align != nil {
			p.metrics.RecordAlignment(string(ev.Align.Action), ev.Align.TrimmedBytes, ev.Align.Confidence)
		}

		p.queue.Enqueue(c, p.cfg.RealtimePriority)
		p.metrics.SetQueueDepth(p.queue.GetPendingCount())
		p.emit(Event{Type: EventChunkGenerated, Chunk: c, Timestamp: time.Now()})

	case chunk.EventChunkSaved:
		p.emit(Event{Type: EventChunkSaved, Chunk: ev.Chunk, Timestamp: time.Now()})
	}
}

func (p *Manager) consumeWatcherFiles(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.watcher.Files():
			if !ok {
				return
			}
			p.handleWatcherFile(f)
		}
	}
}

// handleWatcherFile turns a discovered chunk file into a queue item.
// The first header-bearing file of a session refreshes the header used
// to rebuild the headerless files that follow it.
func (p *Manager) handleWatcherFile(f watcher.ChunkFileInfo) {
	p.metrics.RecordFileDiscovered()

	data, err := os.ReadFile(f.Path)
	if err != nil {
		p.logger.Warn("Failed to read discovered chunk file",
			slog.String("path", f.Path),
			slog.String("error", err.Error()))
		p.emit(Event{Type: EventChunkSkipped, File: &f, Error: err.Error(), Timestamp: time.Now()})
		return
	}

	diag := p.aligner.DiagnoseQuality(data)
	if diag.Quality == align.QualityUnusable {
		p.logger.Warn("Discovered chunk unusable, skipping",
			slog.String("name", f.Name),
			slog.Bool("header_only", diag.IsHeaderOnly),
			slog.Int("size_bytes", diag.SizeBytes))
		p.emit(Event{Type: EventChunkSkipped, File: &f, Error: "unusable chunk", Timestamp: time.Now()})
		return
	}

	payload := data
	if diag.HasHeader {
		if hi := p.extractor.Extract(data); hi != nil {
			p.mu.Lock()
			p.watcherHeader = hi
			p.mu.Unlock()
			p.metrics.RecordHeaderExtraction(!hi.IsValid)
		}
	} else {
		res := p.aligner.Align(data)
		p.metrics.RecordAlignment(string(res.Action), res.TrimmedBytes, res.Confidence)
		if res.Action == align.ActionRejectChunk {
			// Unlike the live path, a skipped file is not lost: the
			// bytes stay on disk for manual recovery.
			p.emit(Event{Type: EventChunkSkipped, File: &f, Error: "alignment rejected chunk", Timestamp: time.Now()})
			return
		}
		if res.Action == align.ActionUseAligned {
			payload = res.AlignedData
		}
		payload = webm.BuildChunk(p.sessionHeaderBytes(), payload)
	}

	c := &chunk.AudioChunk{
		ID:             uuid.New().String(),
		SequenceNumber: f.SequenceNumber,
		StartTimeSec:   f.StartTimeSec,
		DurationSec:    p.cfg.Watcher.AssumedIntervalSec,
		Payload:        payload,
		FilePath:       f.Path,
		CreatedAt:      time.Now(),
	}
	p.queue.Enqueue(c, p.cfg.RealtimePriority)
	p.metrics.SetQueueDepth(p.queue.GetPendingCount())
	p.emit(Event{Type: EventChunkGenerated, Chunk: c, File: &f, Timestamp: time.Now()})
}

func (p *Manager) sessionHeaderBytes() []byte {
	p.mu.RLock()
	hi := p.watcherHeader
	p.mu.RUnlock()
	if hi != nil {
		return hi.Effective()
	}
	return webm.CreateMinimalHeader()
}

func (p *Manager) consumeQueueEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.queue.Events():
			if !ok {
				return
			}
			p.handleQueueEvent(ev)
		}
	}
}

func (p *Manager) handleQueueEvent(ev queue.Event) {
	p.metrics.SetQueueDepth(p.queue.GetPendingCount())

	switch ev.Type {
	case queue.EventItemCompleted:
		p.metrics.RecordItemCompleted(ev.Item.CompletedAt.Sub(ev.Item.StartedAt).Seconds())

		p.mu.RLock()
		result := p.results[ev.Item.ID]
		p.mu.RUnlock()

		p.emit(Event{Type: EventTranscriptionCompleted, Chunk: ev.Item.Chunk, Result: result, Timestamp: time.Now()})

	case queue.EventItemFailed:
		p.metrics.RecordItemFailed()
		p.emit(Event{Type: EventTranscriptionFailed, Chunk: ev.Item.Chunk, Error: ev.Item.LastError, Timestamp: time.Now()})

	case queue.EventItemRetried:
		p.metrics.RecordItemRetry()
		p.emit(Event{Type: EventItemRetried, Chunk: ev.Item.Chunk, Error: ev.Item.LastError, Timestamp: time.Now()})
	}
}

// emit sends an event without blocking.
func (p *Manager) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("Pipeline event buffer full, dropping event",
			slog.String("type", string(ev.Type)))
	}
}

// GetResult returns the transcription result for a chunk, if any.
func (p *Manager) GetResult(chunkID string) (*transcription.Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res, ok := p.results[chunkID]
	return res, ok
}

// GetStats aggregates the component statistics.
func (p *Manager) GetStats() Stats {
	p.mu.RLock()
	running := p.running
	transcripts := uint64(0)
	p.mu.RUnlock()
	if p.writer != nil {
		transcripts = p.writer.Written()
	}

	s := Stats{
		Mode:               string(p.cfg.Mode),
		Running:            running,
		Generator:          p.generator.GetStats(),
		Aligner:            p.aligner.GetStats(),
		Extractor:          p.extractor.GetStats(),
		Queue:              p.queue.GetStats(),
		TranscriptsWritten: transcripts,
	}
	if p.watcher != nil {
		ws := p.watcher.GetStats()
		s.Watcher = &ws
	}
	return s
}

// GetQueueStats returns the queue counters.
func (p *Manager) GetQueueStats() queue.Stats {
	return p.queue.GetStats()
}

// GetCompletedItems returns completed queue items.
func (p *Manager) GetCompletedItems() []*queue.Item {
	return p.queue.GetCompletedItems()
}

// GetFailedItems returns permanently failed queue items.
func (p *Manager) GetFailedItems() []*queue.Item {
	return p.queue.GetFailedItems()
}

// AlignerConfig returns the aligner's current configuration.
func (p *Manager) AlignerConfig() align.Config {
	return p.aligner.GetConfig()
}

// Reset clears every in-memory collection so a new session starts
// clean: generator buffers, queue history, aligner statistics, watcher
// dedup state and stashed results.
func (p *Manager) Reset() {
	p.generator.Reset()
	p.queue.Reset()
	p.aligner.ResetStats()
	if p.watcher != nil {
		p.watcher.Reset()
	}

	p.mu.Lock()
	p.results = make(map[string]*transcription.Result)
	p.watcherHeader = nil
	p.mu.Unlock()

	p.logger.Info("Pipeline reset")
}

// UpdateConfig applies runtime tuning changes to the live components.
func (p *Manager) UpdateConfig(update ConfigUpdate) error {
	if update.ConfidenceThreshold != nil {
		if err := p.aligner.UpdateConfidenceThreshold(*update.ConfidenceThreshold); err != nil {
			return err
		}
	}
	if update.MaxConcurrency != nil {
		if err := p.queue.UpdateMaxConcurrency(*update.MaxConcurrency); err != nil {
			return err
		}
	}
	if update.ChunkIntervalSec != nil {
		if err := p.generator.UpdateInterval(*update.ChunkIntervalSec); err != nil {
			return err
		}
	}
	p.logger.Info("Pipeline configuration updated")
	return nil
}
