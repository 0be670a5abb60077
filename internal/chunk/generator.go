package chunk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iwabuchi404/koe-note-sub002/internal/align"
	"github.com/iwabuchi404/koe-note-sub002/internal/webm"
)

// State represents the generator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

// EventType identifies a generator event.
type EventType string

const (
	EventChunkGenerated EventType = "chunk_generated"
	EventChunkSaved     EventType = "chunk_saved"
)

// Event is emitted for every chunk the generator produces. Align holds
// the boundary decision behind the chunk; it is nil for the first chunk
// of a session, which is passed through untouched.
type Event struct {
	Type  EventType
	Chunk *AudioChunk
	Path  string
	Align *align.Result
}

// GeneratorConfig contains configuration for chunk generation.
type GeneratorConfig struct {
	// IntervalSec is the target window length of one chunk.
	IntervalSec float64
	// TickInterval is the polling period for the interval check. Zero
	// disables the internal timer; the owner then drives flushes via
	// StopRecording.
	TickInterval time.Duration
	// FilePrefix and FileExtension shape persisted chunk names.
	FilePrefix    string
	FileExtension string
	// SaveChunks persists every generated chunk through the Saver.
	SaveChunks bool
	// EventBuffer sizes the event channel.
	EventBuffer int
}

// session tracks one recording from StartRecording to StopRecording.
// The header extracted from the first slice is cached for the whole
// session and prepended to every chunk after the first.
type session struct {
	id            string
	header        *webm.HeaderInfo
	slices        [][]byte
	bufferedBytes int
	seq           uint32
	startedAt     time.Time
	windowStart   time.Time
}

// Generator buffers recorder slices and cuts them into self-contained
// chunks on every interval boundary.
type Generator struct {
	config    GeneratorConfig
	extractor *webm.Extractor
	aligner   *align.Aligner
	saver     *Saver
	clock     Clock
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	sess     *session
	stopTick chan struct{}
	wg       sync.WaitGroup

	// Statistics
	slicesReceived  uint64
	chunksGenerated uint64
	bytesGenerated  uint64
	lastChunkTime   time.Time

	events chan Event
}

// GeneratorStats represents generator statistics.
type GeneratorStats struct {
	State           string    `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	SequenceNumber  uint32    `json:"sequence_number"`
	BufferedSlices  int       `json:"buffered_slices"`
	BufferedBytes   int       `json:"buffered_bytes"`
	SlicesReceived  uint64    `json:"slices_received"`
	ChunksGenerated uint64    `json:"chunks_generated"`
	BytesGenerated  uint64    `json:"bytes_generated"`
	HeaderValid     bool      `json:"header_valid"`
	LastChunkTime   time.Time `json:"last_chunk_time"`
}

// NewGenerator creates a chunk generator. A nil extractor, aligner, or
// clock falls back to a default instance; a saver is required only when
// SaveChunks is set.
func NewGenerator(config GeneratorConfig, extractor *webm.Extractor, aligner *align.Aligner,
	saver *Saver, clock Clock, logger *slog.Logger) (*Generator, error) {

	if config.IntervalSec <= 0 {
		return nil, fmt.Errorf("chunk interval must be positive, got %f", config.IntervalSec)
	}
	if config.SaveChunks && saver == nil {
		return nil, fmt.Errorf("chunk persistence enabled without a saver")
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "chunk_"
	}
	if config.FileExtension == "" {
		config.FileExtension = ".webm"
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = webm.NewExtractor(webm.ExtractorConfig{}, logger)
	}
	if aligner == nil {
		aligner = align.New(align.Config{}, logger)
	}
	if clock == nil {
		clock = SystemClock()
	}

	return &Generator{
		config:    config,
		extractor: extractor,
		aligner:   aligner,
		saver:     saver,
		clock:     clock,
		logger:    logger,
		events:    make(chan Event, config.EventBuffer),
	}, nil
}

// Events returns the chunk event channel. The consumer must keep
// draining it; emission blocks once the buffer fills.
func (g *Generator) Events() <-chan Event {
	return g.events
}

// StartRecording opens a fresh session: new session ID, sequence
// counter at zero, empty buffer, no cached header.
func (g *Generator) StartRecording() error {
	g.mu.Lock()
	if g.state == StateRecording {
		g.mu.Unlock()
		return fmt.Errorf("recording already in progress")
	}
	now := g.clock.Now()
	g.sess = &session{
		id:          uuid.New().String(),
		startedAt:   now,
		windowStart: now,
	}
	g.state = StateRecording

	var stop chan struct{}
	if g.config.TickInterval > 0 {
		stop = make(chan struct{})
		g.stopTick = stop
	}
	sessionID := g.sess.id
	g.mu.Unlock()

	if stop != nil {
		g.wg.Add(1)
		go g.tickLoop(stop)
	}

	g.logger.Info("Recording started",
		slog.String("session_id", sessionID),
		slog.Float64("interval_sec", g.config.IntervalSec))
	return nil
}

// AddData buffers one recorder slice. The first slice of a session also
// seeds the stream header cache.
func (g *Generator) AddData(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRecording {
		return fmt.Errorf("no recording in progress")
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	if g.sess.header == nil {
		g.sess.header = g.extractor.Extract(buf)
		g.logger.Debug("Stream header cached",
			slog.String("session_id", g.sess.id),
			slog.Bool("valid", g.sess.header.IsValid),
			slog.Int("header_size", int(g.sess.header.HeaderSize)))
	}

	g.sess.slices = append(g.sess.slices, buf)
	g.sess.bufferedBytes += len(buf)
	g.slicesReceived++
	return nil
}

// StopRecording flushes whatever is buffered as a final chunk and
// returns the generator to idle. Stopping an idle generator is a no-op.
func (g *Generator) StopRecording() error {
	g.mu.Lock()
	if g.state != StateRecording {
		g.mu.Unlock()
		return nil
	}
	stop := g.stopTick
	g.stopTick = nil
	g.mu.Unlock()

	if stop != nil {
		close(stop)
		g.wg.Wait()
	}

	g.mu.Lock()
	elapsed := g.clock.Now().Sub(g.sess.windowStart).Seconds()
	events := g.finalizeLocked(elapsed)
	g.state = StateIdle
	sessionID := g.sess.id
	g.mu.Unlock()

	g.emit(events)
	g.logger.Info("Recording stopped", slog.String("session_id", sessionID))
	return nil
}

// Reset discards the session outright: buffered data, header cache, and
// sequence counter are all dropped without producing a chunk.
func (g *Generator) Reset() {
	g.mu.Lock()
	stop := g.stopTick
	g.stopTick = nil
	g.mu.Unlock()

	if stop != nil {
		close(stop)
		g.wg.Wait()
	}

	g.mu.Lock()
	g.sess = nil
	g.state = StateIdle
	g.mu.Unlock()

	g.logger.Info("Generator reset")
}

// UpdateInterval changes the chunk window length at runtime. The new
// value applies from the current window onward.
func (g *Generator) UpdateInterval(intervalSec float64) error {
	if intervalSec <= 0 {
		return fmt.Errorf("chunk interval must be positive, got %f", intervalSec)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config.IntervalSec = intervalSec
	return nil
}

// HeaderInfo returns the cached session header, or nil before the first
// slice arrives.
func (g *Generator) HeaderInfo() *webm.HeaderInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess == nil {
		return nil
	}
	return g.sess.header
}

// GetStats returns a snapshot of generator statistics.
func (g *Generator) GetStats() GeneratorStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GeneratorStats{
		State:           g.state.String(),
		SlicesReceived:  g.slicesReceived,
		ChunksGenerated: g.chunksGenerated,
		BytesGenerated:  g.bytesGenerated,
		LastChunkTime:   g.lastChunkTime,
	}
	if g.sess != nil {
		stats.SessionID = g.sess.id
		stats.SequenceNumber = g.sess.seq
		stats.BufferedSlices = len(g.sess.slices)
		stats.BufferedBytes = g.sess.bufferedBytes
		stats.HeaderValid = g.sess.header != nil && g.sess.header.IsValid
	}
	return stats
}

func (g *Generator) tickLoop(stop chan struct{}) {
	defer g.wg.Done()
	ticker := g.clock.NewTicker(g.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			g.checkInterval()
		case <-stop:
			return
		}
	}
}

// checkInterval closes the current window once the configured interval
// has elapsed.
func (g *Generator) checkInterval() {
	g.mu.Lock()
	if g.state != StateRecording || g.sess == nil {
		g.mu.Unlock()
		return
	}
	elapsed := g.clock.Now().Sub(g.sess.windowStart).Seconds()
	if elapsed < g.config.IntervalSec {
		g.mu.Unlock()
		return
	}
	events := g.finalizeLocked(g.config.IntervalSec)
	g.mu.Unlock()

	g.emit(events)
}

// finalizeLocked concatenates the buffered slices into the next chunk.
// The first chunk of a session keeps the raw bytes; later chunks are
// aligned to a block boundary and get the session header prepended. A
// window the aligner rejects is kept as-is rather than dropped: live
// audio is never discarded. Callers hold g.mu; the returned events are
// emitted after the lock is released so a slow consumer cannot stall
// data ingestion.
func (g *Generator) finalizeLocked(durationSec float64) []Event {
	now := g.clock.Now()
	if g.sess == nil {
		return nil
	}
	if len(g.sess.slices) == 0 {
		g.sess.windowStart = now
		return nil
	}

	payload := make([]byte, 0, g.sess.bufferedBytes)
	for _, s := range g.sess.slices {
		payload = append(payload, s...)
	}
	g.sess.slices = nil
	g.sess.bufferedBytes = 0
	g.sess.windowStart = now
	g.sess.seq++
	seq := g.sess.seq

	data := payload
	var alignResult *align.Result
	if seq > 1 {
		alignResult = g.aligner.Align(payload)
		body := payload
		switch alignResult.Action {
		case align.ActionUseAligned:
			body = alignResult.AlignedData
		case align.ActionRejectChunk:
			g.logger.Warn("Aligner rejected live window, keeping original bytes",
				slog.Uint64("sequence", uint64(seq)),
				slog.Int("size_bytes", len(payload)))
		}
		data = webm.BuildChunk(g.sess.header.Effective(), body)
	}

	c := &AudioChunk{
		ID:             uuid.New().String(),
		SequenceNumber: seq,
		StartTimeSec:   float64(seq-1) * g.config.IntervalSec,
		DurationSec:    durationSec,
		Payload:        data,
		CreatedAt:      now,
	}

	g.chunksGenerated++
	g.bytesGenerated += uint64(len(data))
	g.lastChunkTime = now

	events := []Event{{Type: EventChunkGenerated, Chunk: c, Align: alignResult}}

	if g.config.SaveChunks && g.saver != nil {
		name := c.FileName(g.config.FilePrefix, g.config.FileExtension)
		path, err := g.saver.Save(c, name)
		if err != nil {
			// Persistence is advisory; the chunk still flows downstream.
			g.logger.Error("Failed to persist chunk",
				slog.String("error", err.Error()),
				slog.Uint64("sequence", uint64(seq)))
		} else {
			c.FilePath = path
			events = append(events, Event{Type: EventChunkSaved, Chunk: c, Path: path})
		}
	}

	g.logger.Debug("Chunk generated",
		slog.Uint64("sequence", uint64(seq)),
		slog.Int("size_bytes", len(data)),
		slog.Float64("duration_sec", durationSec))
	return events
}

func (g *Generator) emit(events []Event) {
	for _, ev := range events {
		g.events <- ev
	}
}
