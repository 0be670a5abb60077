package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwabuchi404/koe-note-sub002/internal/chunk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChunk(seq uint32) *chunk.AudioChunk {
	return &chunk.AudioChunk{
		ID:             fmt.Sprintf("chunk-%d", seq),
		SequenceNumber: seq,
		StartTimeSec:   float64(seq-1) * 20,
		DurationSec:    20,
		Payload:        []byte{0xA3, 0x81, 0x84, 0x01, 0x02, 0x03, 0x04},
		CreatedAt:      time.Now(),
	}
}

// gatedProcessor reports each started chunk on started and blocks until
// an instruction arrives on release: nil completes, an error fails.
func gatedProcessor(started chan uint32, release chan error) ProcessFunc {
	return func(ctx context.Context, c *chunk.AudioChunk) error {
		started <- c.SequenceNumber
		return <-release
	}
}

func shortRetryConfig(maxConcurrency, maxRetries int) Config {
	return Config{
		MaxConcurrency: maxConcurrency,
		MaxRetries:     maxRetries,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	}
}

func waitStart(t *testing.T, started <-chan uint32) uint32 {
	t.Helper()
	select {
	case seq := <-started:
		return seq
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for processing to start")
		return 0
	}
}

func nextEvent(t *testing.T, q *Queue) Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue event")
		return Event{}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	q := New(Config{}, func(context.Context, *chunk.AudioChunk) error { return nil }, discardLogger())
	defer q.Stop()

	assert.Equal(t, 2, q.cfg.MaxConcurrency)
	assert.Equal(t, 3, q.cfg.MaxRetries)
	assert.Equal(t, time.Second, q.cfg.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, q.cfg.RetryMaxDelay)
	assert.Equal(t, 32, q.cfg.EventBuffer)
}

func TestQueuePriorityOrder(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(1, 0), gatedProcessor(started, release), discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(3), 3)
	require.Equal(t, uint32(3), waitStart(t, started))

	q.Enqueue(testChunk(1), 1)
	q.Enqueue(testChunk(2), 2)

	release <- nil
	require.Equal(t, uint32(2), waitStart(t, started), "higher priority should run first")
	release <- nil
	require.Equal(t, uint32(1), waitStart(t, started))
	release <- nil

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueEqualPriorityFIFO(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(1, 0), gatedProcessor(started, release), discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 5)
	require.Equal(t, uint32(1), waitStart(t, started))

	q.Enqueue(testChunk(2), 5)
	q.Enqueue(testChunk(3), 5)

	release <- nil
	require.Equal(t, uint32(2), waitStart(t, started), "equal priorities should keep arrival order")
	release <- nil
	require.Equal(t, uint32(3), waitStart(t, started))
	release <- nil

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueConcurrencyCap(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(2, 0), gatedProcessor(started, release), discardLogger())
	defer q.Stop()

	for seq := uint32(1); seq <= 4; seq++ {
		q.Enqueue(testChunk(seq), 1)
	}

	waitStart(t, started)
	waitStart(t, started)

	stats := q.GetStats()
	assert.Equal(t, 2, stats.Processing)
	assert.Equal(t, 2, stats.Pending)

	select {
	case seq := <-started:
		t.Fatalf("item %d started beyond the concurrency cap", seq)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		release <- nil
		waitStart(t, started)
	}
	release <- nil
	release <- nil

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, c *chunk.AudioChunk) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}
	q := New(shortRetryConfig(1, 3), process, discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 1)

	ev := nextEvent(t, q)
	assert.Equal(t, EventItemRetried, ev.Type)
	assert.Equal(t, 1, ev.Item.RetryCount)
	assert.Equal(t, "transient", ev.Item.LastError)

	ev = nextEvent(t, q)
	assert.Equal(t, EventItemCompleted, ev.Type)
	assert.Empty(t, ev.Item.LastError)

	items := q.GetCompletedItems()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, 1, items[0].RetryCount)

	stats := q.GetStats()
	assert.EqualValues(t, 1, stats.TotalRetries)
	assert.Equal(t, 0, stats.ConsecutiveErrors, "success should reset the error streak")
	assert.EqualValues(t, 2, calls.Load())
}

func TestQueueRetryRequeuedAtFront(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(1, 3), gatedProcessor(started, release), discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 5)
	require.Equal(t, uint32(1), waitStart(t, started))
	q.Enqueue(testChunk(2), 5)

	// Fail chunk 1; chunk 2 takes the worker while the retry timer runs.
	release <- errors.New("boom")
	require.Equal(t, uint32(2), waitStart(t, started))

	q.Enqueue(testChunk(3), 5)
	require.Eventually(t, func() bool {
		return q.GetPendingCount() == 2
	}, 2*time.Second, 2*time.Millisecond, "retried item should re-enter pending")

	release <- nil
	require.Equal(t, uint32(1), waitStart(t, started), "retried item should run before newer arrivals")
	release <- nil
	require.Equal(t, uint32(3), waitStart(t, started))
	release <- nil

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 3
	}, 2*time.Second, 5*time.Millisecond)

	for _, item := range q.GetCompletedItems() {
		if item.Chunk.SequenceNumber == 1 {
			assert.Equal(t, 1, item.RetryCount)
		}
	}
}

func TestQueueMaxRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, c *chunk.AudioChunk) error {
		calls.Add(1)
		return errors.New("boom")
	}
	q := New(shortRetryConfig(1, 2), process, discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 1)

	require.Eventually(t, func() bool {
		return q.GetStats().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	failed := q.GetFailedItems()
	require.Len(t, failed, 1)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.Equal(t, 2, failed[0].RetryCount)
	assert.Equal(t, "boom", failed[0].LastError)

	stats := q.GetStats()
	assert.Equal(t, 0, stats.Completed)
	assert.EqualValues(t, 2, stats.TotalRetries)
	assert.Equal(t, 3, stats.ConsecutiveErrors, "every attempt failed")
	assert.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
}

func TestRetryDelay(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retryCount, base, max),
			"retryCount=%d", tt.retryCount)
	}
}

func TestQueueUpdateMaxConcurrency(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(1, 0), gatedProcessor(started, release), discardLogger())
	defer q.Stop()

	for seq := uint32(1); seq <= 3; seq++ {
		q.Enqueue(testChunk(seq), 1)
	}
	waitStart(t, started)

	require.Error(t, q.UpdateMaxConcurrency(0))

	require.NoError(t, q.UpdateMaxConcurrency(3))
	waitStart(t, started)
	waitStart(t, started)
	assert.Equal(t, 3, q.GetStats().Processing)

	for i := 0; i < 3; i++ {
		release <- nil
	}
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueStatsAndReset(t *testing.T) {
	process := func(ctx context.Context, c *chunk.AudioChunk) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	q := New(shortRetryConfig(2, 0), process, discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 1)
	q.Enqueue(testChunk(2), 1)

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 2
	}, 2*time.Second, 5*time.Millisecond)

	stats := q.GetStats()
	assert.EqualValues(t, 2, stats.TotalEnqueued)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Greater(t, stats.AvgProcessingMs, 0.0)
	assert.GreaterOrEqual(t, stats.TotalProcessingMs, stats.AvgProcessingMs)
	assert.False(t, stats.StartTime.IsZero())

	q.Reset()

	stats = q.GetStats()
	assert.Equal(t, 0, stats.Completed)
	assert.EqualValues(t, 0, stats.TotalEnqueued)
	assert.Zero(t, stats.TotalProcessingMs)
	assert.Empty(t, q.GetCompletedItems())

	// The queue stays usable after a reset.
	q.Enqueue(testChunk(3), 1)
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueResetDropsScheduledRetries(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, c *chunk.AudioChunk) error {
		calls.Add(1)
		return errors.New("boom")
	}
	cfg := Config{
		MaxConcurrency: 1,
		MaxRetries:     5,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
	q := New(cfg, process, discardLogger())
	defer q.Stop()

	q.Enqueue(testChunk(1), 1)

	ev := nextEvent(t, q)
	require.Equal(t, EventItemRetried, ev.Type)

	// Reset while the item has a retry timer in flight. Whether the
	// timer fired before or after the reset, the item belongs to the
	// old session and must not cycle on in the new one.
	q.Reset()

	assert.Never(t, func() bool {
		stats := q.GetStats()
		return stats.Pending > 0 || stats.TotalRetries > 0 ||
			stats.Failed > 0 || stats.ConsecutiveErrors > 0
	}, 200*time.Millisecond, 5*time.Millisecond,
		"pre-reset item leaked into the reset queue")
}

func TestQueueStopDropsWork(t *testing.T) {
	started := make(chan uint32, 8)
	release := make(chan error)
	q := New(shortRetryConfig(1, 0), gatedProcessor(started, release), discardLogger())

	q.Enqueue(testChunk(1), 1)
	require.Equal(t, uint32(1), waitStart(t, started))
	q.Enqueue(testChunk(2), 1)

	q.Stop()

	assert.Nil(t, q.Enqueue(testChunk(3), 1), "enqueue after stop should be rejected")

	// Let the in-flight worker land; its result must be discarded.
	release <- nil
	assert.Never(t, func() bool {
		return q.GetStats().Completed > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	stats := q.GetStats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)

	_, open := <-q.Events()
	assert.False(t, open, "event channel should be closed after stop")

	// Second stop is a no-op.
	q.Stop()
}
