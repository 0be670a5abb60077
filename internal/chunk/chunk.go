package chunk

import (
	"fmt"
	"time"
)

// AudioChunk is one interval window of reconstructed audio, carrying
// enough framing to be decoded independently of its neighbors.
type AudioChunk struct {
	ID             string    `json:"id"`
	SequenceNumber uint32    `json:"sequence_number"`
	StartTimeSec   float64   `json:"start_time_sec"`
	DurationSec    float64   `json:"duration_sec"`
	Payload        []byte    `json:"-"`
	FilePath       string    `json:"file_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileName returns the canonical on-disk name for the chunk, with the
// sequence number zero-padded to three digits.
func (c *AudioChunk) FileName(prefix, extension string) string {
	return fmt.Sprintf("%s%03d%s", prefix, c.SequenceNumber, extension)
}

// SizeBytes returns the payload length.
func (c *AudioChunk) SizeBytes() int {
	return len(c.Payload)
}
