package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualClock drives the poll loop without wall-clock waits.
type manualClock struct {
	mu   sync.Mutex
	now  time.Time
	tick chan time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start, tick: make(chan time.Time, 1)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	return &manualTicker{c: c.tick}
}

func (c *manualClock) Tick() {
	c.tick <- c.Now()
}

type manualTicker struct {
	c chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {}

func writeChunkFile(t *testing.T, dir, name string, size int, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime on %s: %v", name, err)
	}
	return path
}

func testWatcher(t *testing.T, dir string, clock Clock) *Watcher {
	t.Helper()
	w, err := New(Config{Folder: dir}, clock, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error creating watcher: %v", err)
	}
	return w
}

func receiveFile(t *testing.T, w *Watcher) ChunkFileInfo {
	t.Helper()
	select {
	case f := <-w.Files():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file discovery")
		return ChunkFileInfo{}
	}
}

func expectNoFile(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case f := <-w.Files():
		t.Fatalf("unexpected discovery: %s", f.Name)
	default:
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}, nil, discardLogger()); err == nil {
		t.Fatal("expected error for missing folder")
	}

	w, err := New(Config{Folder: t.TempDir()}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.cfg.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %v", w.cfg.PollInterval)
	}
	if w.cfg.StabilityDelay != 2*time.Second {
		t.Errorf("expected default stability delay 2s, got %v", w.cfg.StabilityDelay)
	}
	if w.cfg.FilePrefix != "chunk_" || w.cfg.FileExtension != ".webm" {
		t.Errorf("expected default file pattern, got %q %q", w.cfg.FilePrefix, w.cfg.FileExtension)
	}
	if w.cfg.AssumedIntervalSec != 20 {
		t.Errorf("expected default assumed interval 20, got %v", w.cfg.AssumedIntervalSec)
	}
}

func TestParseSequence(t *testing.T) {
	w := testWatcher(t, t.TempDir(), nil)

	tests := []struct {
		name    string
		wantSeq uint32
		wantOK  bool
	}{
		{"chunk_001.webm", 1, true},
		{"chunk_42.webm", 42, true},
		{"chunk_0012.webm", 12, true},
		{"recording_001.webm", 0, false},
		{"chunk_001.wav", 0, false},
		{"chunk_abc.webm", 0, false},
		{"chunk_001.webm.tmp", 0, false},
		{"chunk_.webm", 0, false},
	}
	for _, tt := range tests {
		seq, ok := w.parseSequence(tt.name)
		if ok != tt.wantOK || seq != tt.wantSeq {
			t.Errorf("parseSequence(%q) = %d, %v, expected %d, %v",
				tt.name, seq, ok, tt.wantSeq, tt.wantOK)
		}
	}
}

func TestParseSequenceCustomPattern(t *testing.T) {
	w, err := New(Config{
		Folder:        t.TempDir(),
		FilePrefix:    "rec_",
		FileExtension: ".mkv",
	}, nil, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seq, ok := w.parseSequence("rec_7.mkv"); !ok || seq != 7 {
		t.Errorf("expected rec_7.mkv to parse as 7, got %d, %v", seq, ok)
	}
	if _, ok := w.parseSequence("chunk_7.webm"); ok {
		t.Error("default pattern should not match with custom prefix configured")
	}
}

func TestScanDiscoversStableFiles(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock(time.Now())
	old := clock.Now().Add(-10 * time.Second)

	writeChunkFile(t, dir, "chunk_001.webm", 100, old)
	writeChunkFile(t, dir, "chunk_002.webm", 0, old) // empty, not ready
	writeChunkFile(t, dir, "notes.txt", 10, old)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	w := testWatcher(t, dir, clock)
	w.scan(context.Background())

	f := receiveFile(t, w)
	if f.Name != "chunk_001.webm" {
		t.Errorf("expected chunk_001.webm, got %s", f.Name)
	}
	if f.SequenceNumber != 1 {
		t.Errorf("expected sequence 1, got %d", f.SequenceNumber)
	}
	if f.StartTimeSec != 20 {
		t.Errorf("expected start time 20, got %v", f.StartTimeSec)
	}
	if f.SizeBytes != 100 {
		t.Errorf("expected 100 bytes, got %d", f.SizeBytes)
	}
	if f.Path != filepath.Join(dir, "chunk_001.webm") {
		t.Errorf("unexpected path %s", f.Path)
	}
	expectNoFile(t, w)

	stats := w.GetStats()
	if stats.Scans != 1 {
		t.Errorf("expected 1 scan, got %d", stats.Scans)
	}
	if stats.FilesDiscovered != 1 {
		t.Errorf("expected 1 discovery, got %d", stats.FilesDiscovered)
	}
}

func TestScanDerivesStartTime(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock(time.Now())
	writeChunkFile(t, dir, "chunk_007.webm", 64, clock.Now().Add(-10*time.Second))

	w, err := New(Config{Folder: dir, AssumedIntervalSec: 5}, clock, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.scan(context.Background())

	f := receiveFile(t, w)
	if f.StartTimeSec != 35 {
		t.Errorf("expected start time 7*5=35, got %v", f.StartTimeSec)
	}
}

func TestScanAppliesStabilityDelay(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock(time.Now())
	writeChunkFile(t, dir, "chunk_001.webm", 64, clock.Now())

	w := testWatcher(t, dir, clock)

	w.scan(context.Background())
	expectNoFile(t, w)

	clock.Advance(3 * time.Second)
	w.scan(context.Background())

	f := receiveFile(t, w)
	if f.SequenceNumber != 1 {
		t.Errorf("expected sequence 1 after stability delay, got %d", f.SequenceNumber)
	}
}

func TestScanDeduplicates(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock(time.Now())
	writeChunkFile(t, dir, "chunk_001.webm", 64, clock.Now().Add(-10*time.Second))

	w := testWatcher(t, dir, clock)

	w.scan(context.Background())
	receiveFile(t, w)

	w.scan(context.Background())
	expectNoFile(t, w)

	w.Reset()
	w.scan(context.Background())
	f := receiveFile(t, w)
	if f.SequenceNumber != 1 {
		t.Errorf("expected rediscovery after reset, got %d", f.SequenceNumber)
	}
}

func TestScanCountsReadErrors(t *testing.T) {
	dir := t.TempDir()
	w := testWatcher(t, dir, newManualClock(time.Now()))

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("failed to remove folder: %v", err)
	}
	w.scan(context.Background())

	if stats := w.GetStats(); stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}
	expectNoFile(t, w)
}

func TestWatcherStartStop(t *testing.T) {
	dir := t.TempDir()
	clock := newManualClock(time.Now())
	old := clock.Now().Add(-10 * time.Second)
	writeChunkFile(t, dir, "chunk_001.webm", 64, old)

	w := testWatcher(t, dir, clock)
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected error for second start")
	}

	// Initial scan picks up the first file.
	if f := receiveFile(t, w); f.SequenceNumber != 1 {
		t.Errorf("expected sequence 1, got %d", f.SequenceNumber)
	}
	if !w.GetStats().Watching {
		t.Error("expected watcher to report watching")
	}

	// A later file is picked up on the next poll tick.
	writeChunkFile(t, dir, "chunk_002.webm", 64, old)
	clock.Tick()
	if f := receiveFile(t, w); f.SequenceNumber != 2 {
		t.Errorf("expected sequence 2, got %d", f.SequenceNumber)
	}

	w.Stop()
	if _, open := <-w.Files(); open {
		t.Fatal("expected closed discovery channel after stop")
	}
	if w.GetStats().Watching {
		t.Error("expected watcher to report stopped")
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected error starting a stopped watcher")
	}

	// Second stop is a no-op.
	w.Stop()
}
