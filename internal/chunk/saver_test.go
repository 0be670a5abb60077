package chunk

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaverWritesChunk(t *testing.T) {
	dir := t.TempDir()
	s := NewSaver(dir, discardLogger())

	c := &AudioChunk{SequenceNumber: 7, Payload: []byte{0x1A, 0x45, 0xDF, 0xA3}}
	path, err := s.Save(c, c.FileName("chunk_", ".webm"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if filepath.Base(path) != "chunk_007.webm" {
		t.Errorf("unexpected file name: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("expected 4 bytes on disk, got %d", len(data))
	}

	stats := s.GetStats()
	if stats.Saved != 1 || stats.BytesWritten != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSaverCreatesNestedFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s := NewSaver(dir, discardLogger())

	c := &AudioChunk{SequenceNumber: 1, Payload: []byte{0x00}}
	if _, err := s.Save(c, "chunk_001.webm"); err != nil {
		t.Fatalf("save into nested folder failed: %v", err)
	}
}

func TestSaverRequiresFolder(t *testing.T) {
	s := NewSaver("", discardLogger())

	c := &AudioChunk{SequenceNumber: 1, Payload: []byte{0x00}}
	if _, err := s.Save(c, "chunk_001.webm"); err == nil {
		t.Fatal("expected error without an output folder")
	}
}

func TestChunkFileName(t *testing.T) {
	tests := []struct {
		name     string
		sequence uint32
		want     string
	}{
		{name: "single digit", sequence: 3, want: "chunk_003.webm"},
		{name: "three digits", sequence: 127, want: "chunk_127.webm"},
		{name: "overflows padding", sequence: 1234, want: "chunk_1234.webm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &AudioChunk{SequenceNumber: tt.sequence}
			if got := c.FileName("chunk_", ".webm"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
