package chunk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Saver persists chunk payloads into a target folder.
type Saver struct {
	folder string
	logger *slog.Logger

	mu           sync.Mutex
	saved        uint64
	bytesWritten uint64
}

// SaverStats represents persistence statistics.
type SaverStats struct {
	Saved        uint64 `json:"saved"`
	BytesWritten uint64 `json:"bytes_written"`
}

// NewSaver creates a chunk saver. The folder may be empty, in which
// case every Save call fails with a caller-visible error.
func NewSaver(folder string, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{folder: folder, logger: logger}
}

// Save writes the chunk payload under the given file name and returns
// the full path.
func (s *Saver) Save(c *AudioChunk, name string) (string, error) {
	if s.folder == "" {
		return "", fmt.Errorf("no output folder configured")
	}
	if err := os.MkdirAll(s.folder, 0755); err != nil {
		return "", fmt.Errorf("failed to create output folder: %w", err)
	}

	path := filepath.Join(s.folder, name)
	if err := os.WriteFile(path, c.Payload, 0644); err != nil {
		return "", fmt.Errorf("failed to write chunk file: %w", err)
	}

	s.mu.Lock()
	s.saved++
	s.bytesWritten += uint64(len(c.Payload))
	s.mu.Unlock()

	s.logger.Debug("Chunk persisted",
		slog.String("path", path),
		slog.Int("size_bytes", len(c.Payload)))
	return path, nil
}

// GetStats returns persistence statistics.
func (s *Saver) GetStats() SaverStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SaverStats{Saved: s.saved, BytesWritten: s.bytesWritten}
}
