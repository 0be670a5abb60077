package transcription

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer persists transcription results as numbered text files, one
// per chunk, so a recording session reads back in order.
type Writer struct {
	folder string
	prefix string
	logger *slog.Logger

	written uint64
	mu      sync.Mutex
}

// NewWriter creates a transcript writer. An empty prefix defaults to
// "transcript_".
func NewWriter(folder, prefix string, logger *slog.Logger) *Writer {
	if prefix == "" {
		prefix = "transcript_"
	}
	return &Writer{
		folder: folder,
		prefix: prefix,
		logger: logger,
	}
}

// Write stores the result text under the configured folder and returns
// the file path. The folder is created on first use.
func (w *Writer) Write(seq uint32, res *Result) (string, error) {
	if w.folder == "" {
		return "", fmt.Errorf("no transcript folder configured")
	}
	if res == nil {
		return "", fmt.Errorf("no result to write")
	}

	if err := os.MkdirAll(w.folder, 0755); err != nil {
		return "", fmt.Errorf("failed to create transcript folder: %w", err)
	}

	name := fmt.Sprintf("%s%03d.txt", w.prefix, seq)
	path := filepath.Join(w.folder, name)
	if err := os.WriteFile(path, []byte(res.Text), 0644); err != nil {
		return "", fmt.Errorf("failed to write transcript file: %w", err)
	}

	w.mu.Lock()
	w.written++
	w.mu.Unlock()

	w.logger.Debug("Transcript written",
		slog.String("path", path),
		slog.Uint64("sequence", uint64(seq)),
		slog.Int("text_len", len(res.Text)))
	return path, nil
}

// Written returns the number of transcripts persisted so far.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}
