package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iwabuchi404/koe-note-sub002/internal/chunk"
)

// Status describes where an item sits in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// EventType identifies queue lifecycle events.
type EventType string

const (
	EventItemCompleted EventType = "item_completed"
	EventItemFailed    EventType = "item_failed"
	EventItemRetried   EventType = "item_retried"
)

// Event is emitted as items move through the queue. Emission is
// non-blocking; slow consumers lose events rather than stall workers.
type Event struct {
	Type EventType `json:"type"`
	Item *Item     `json:"item"`
}

// Item wraps a chunk while it moves through the queue.
type Item struct {
	ID          string            `json:"id"`
	Chunk       *chunk.AudioChunk `json:"chunk"`
	Priority    int               `json:"priority"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	Status      Status            `json:"status"`
	AddedAt     time.Time         `json:"added_at"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// ProcessFunc handles a single chunk. A nil error marks the item
// completed; an error triggers retry with exponential backoff until
// MaxRetries is exhausted.
type ProcessFunc func(ctx context.Context, c *chunk.AudioChunk) error

// Config holds queue tuning parameters.
type Config struct {
	MaxConcurrency int           `json:"max_concurrency"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	EventBuffer    int           `json:"event_buffer"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 2,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
		EventBuffer:    32,
	}
}

// Stats is a point-in-time snapshot of queue state. Completed count,
// cumulative processing time and start time together give throughput
// and a rough ETA for the backlog.
type Stats struct {
	Pending           int       `json:"pending"`
	Processing        int       `json:"processing"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	TotalEnqueued     uint64    `json:"total_enqueued"`
	TotalRetries      uint64    `json:"total_retries"`
	AvgProcessingMs   float64   `json:"avg_processing_ms"`
	TotalProcessingMs float64   `json:"total_processing_ms"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	MaxConcurrency    int       `json:"max_concurrency"`
	StartTime         time.Time `json:"start_time"`
	UptimeSec         float64   `json:"uptime_sec"`
}

// Queue processes chunks with bounded concurrency. Higher priority
// items run first; equal priorities run in arrival order. Failed items
// are retried with exponential backoff and re-enter at the front of
// the pending list so delayed work does not starve behind new arrivals.
type Queue struct {
	process ProcessFunc
	logger  *slog.Logger
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc

	cfg         Config
	pending     []*Item
	processing  map[string]*Item
	completed   map[string]*Item
	failed      map[string]*Item
	retryTimers map[string]*time.Timer

	totalEnqueued     uint64
	totalRetries      uint64
	totalProcessingMs float64
	consecutiveErrors int
	startTime         time.Time
	stopped           bool

	mu sync.RWMutex
}

// New creates a queue that is immediately ready to accept work.
func New(cfg Config, process ProcessFunc, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		process:     process,
		logger:      logger,
		events:      make(chan Event, cfg.EventBuffer),
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		processing:  make(map[string]*Item),
		completed:   make(map[string]*Item),
		failed:      make(map[string]*Item),
		retryTimers: make(map[string]*time.Timer),
		startTime:   time.Now(),
	}
}

// Events returns the lifecycle event channel. It is closed by Stop.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Enqueue adds a chunk with the given priority and returns the queue
// item, or nil if the queue is stopped or the chunk is nil.
func (q *Queue) Enqueue(c *chunk.AudioChunk, priority int) *Item {
	if c == nil {
		q.logger.Warn("Ignoring nil chunk enqueue")
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.logger.Warn("Queue stopped, dropping chunk",
			slog.String("chunk_id", c.ID))
		return nil
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	item := &Item{
		ID:         id,
		Chunk:      c,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		Status:     StatusPending,
		AddedAt:    time.Now(),
	}

	q.insertByPriority(item)
	q.totalEnqueued++

	q.logger.Debug("Chunk enqueued",
		slog.String("item_id", item.ID),
		slog.Int("priority", priority),
		slog.Int("pending", len(q.pending)))

	q.processNextLocked()
	return item
}

// insertByPriority places the item after the last pending entry with
// priority >= its own, so equal priorities keep arrival order.
func (q *Queue) insertByPriority(item *Item) {
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.Priority < item.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
}

// processNextLocked starts pending items while worker slots are free.
// Callers must hold q.mu.
func (q *Queue) processNextLocked() {
	for !q.stopped && len(q.processing) < q.cfg.MaxConcurrency && len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]

		item.Status = StatusProcessing
		item.StartedAt = time.Now()
		q.processing[item.ID] = item

		go q.runItem(item)
	}
}

func (q *Queue) runItem(item *Item) {
	start := time.Now()
	err := q.process(q.ctx, item.Chunk)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()

	// Stop or Reset may have dropped the item while it was in flight;
	// its result no longer belongs to the current queue state.
	current, ok := q.processing[item.ID]
	if !ok || current != item {
		return
	}
	delete(q.processing, item.ID)

	if err != nil {
		q.handleFailureLocked(item, err)
	} else {
		q.handleSuccessLocked(item, elapsedMs)
	}

	q.processNextLocked()
}

func (q *Queue) handleSuccessLocked(item *Item, elapsedMs float64) {
	item.Status = StatusCompleted
	item.CompletedAt = time.Now()
	item.LastError = ""
	q.completed[item.ID] = item
	q.totalProcessingMs += elapsedMs
	q.consecutiveErrors = 0

	q.logger.Info("Item completed",
		slog.String("item_id", item.ID),
		slog.Uint64("sequence", uint64(item.Chunk.SequenceNumber)),
		slog.Float64("elapsed_ms", elapsedMs))

	q.emitLocked(Event{Type: EventItemCompleted, Item: item})
}

func (q *Queue) handleFailureLocked(item *Item, err error) {
	item.LastError = err.Error()
	q.consecutiveErrors++

	if item.RetryCount >= item.MaxRetries {
		item.Status = StatusFailed
		item.CompletedAt = time.Now()
		q.failed[item.ID] = item

		q.logger.Error("Item failed permanently",
			slog.String("item_id", item.ID),
			slog.Int("retries", item.RetryCount),
			slog.String("error", item.LastError))

		q.emitLocked(Event{Type: EventItemFailed, Item: item})
		return
	}

	delay := retryDelay(item.RetryCount, q.cfg.RetryBaseDelay, q.cfg.RetryMaxDelay)
	item.RetryCount++
	item.Status = StatusPending
	q.totalRetries++

	q.logger.Warn("Item failed, scheduling retry",
		slog.String("item_id", item.ID),
		slog.Int("retry", item.RetryCount),
		slog.Int("max_retries", item.MaxRetries),
		slog.Duration("delay", delay),
		slog.String("error", item.LastError))

	q.retryTimers[item.ID] = time.AfterFunc(delay, func() {
		q.requeueFront(item)
	})

	q.emitLocked(Event{Type: EventItemRetried, Item: item})
}

// requeueFront returns a retried item to the head of the pending list
// so it runs before newer arrivals of any priority.
func (q *Queue) requeueFront(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Stop and Reset clear the timer map under the lock. A timer that
	// fired during either carries an item from the previous session and
	// must not re-enter the queue.
	if _, ok := q.retryTimers[item.ID]; !ok {
		return
	}
	delete(q.retryTimers, item.ID)

	q.pending = append([]*Item{item}, q.pending...)
	q.processNextLocked()
}

// retryDelay doubles the base delay per prior attempt, capped at max.
func retryDelay(retryCount int, base, max time.Duration) time.Duration {
	delay := base << uint(retryCount)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// emitLocked sends an event without blocking. Callers must hold q.mu.
// The item is snapshotted so consumers never race with later updates.
func (q *Queue) emitLocked(ev Event) {
	if ev.Item != nil {
		snapshot := *ev.Item
		ev.Item = &snapshot
	}
	select {
	case q.events <- ev:
	default:
		q.logger.Debug("Event buffer full, dropping event",
			slog.String("type", string(ev.Type)))
	}
}

// UpdateMaxConcurrency changes the worker slot count at runtime. A
// raised limit starts pending items immediately.
func (q *Queue) UpdateMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got %d", n)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	old := q.cfg.MaxConcurrency
	q.cfg.MaxConcurrency = n
	q.logger.Info("Max concurrency updated",
		slog.Int("old", old),
		slog.Int("new", n))

	q.processNextLocked()
	return nil
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	avg := 0.0
	if len(q.completed) > 0 {
		avg = q.totalProcessingMs / float64(len(q.completed))
	}
	return Stats{
		Pending:           len(q.pending),
		Processing:        len(q.processing),
		Completed:         len(q.completed),
		Failed:            len(q.failed),
		TotalEnqueued:     q.totalEnqueued,
		TotalRetries:      q.totalRetries,
		AvgProcessingMs:   avg,
		TotalProcessingMs: q.totalProcessingMs,
		ConsecutiveErrors: q.consecutiveErrors,
		MaxConcurrency:    q.cfg.MaxConcurrency,
		StartTime:         q.startTime,
		UptimeSec:         time.Since(q.startTime).Seconds(),
	}
}

// GetPendingCount returns the number of items waiting to run.
func (q *Queue) GetPendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// GetCompletedItems returns completed items ordered by completion time.
func (q *Queue) GetCompletedItems() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedByCompletion(q.completed)
}

// GetFailedItems returns permanently failed items ordered by
// completion time.
func (q *Queue) GetFailedItems() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedByCompletion(q.failed)
}

func sortedByCompletion(m map[string]*Item) []*Item {
	items := make([]*Item, 0, len(m))
	for _, item := range m {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CompletedAt.Before(items[j].CompletedAt)
	})
	return items
}

// Reset drops all queue state, including completed and failed history.
// In-flight results are discarded when they land. The queue stays
// usable.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopTimersLocked()
	q.pending = nil
	q.processing = make(map[string]*Item)
	q.completed = make(map[string]*Item)
	q.failed = make(map[string]*Item)
	q.totalEnqueued = 0
	q.totalRetries = 0
	q.totalProcessingMs = 0
	q.consecutiveErrors = 0
	q.startTime = time.Now()

	q.logger.Info("Queue reset")
}

// Stop cancels in-flight processing, drops pending work and closes the
// event channel. Completed and failed history stays readable.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	q.cancel()

	q.stopTimersLocked()
	dropped := len(q.pending) + len(q.processing)
	q.pending = nil
	q.processing = make(map[string]*Item)
	close(q.events)

	q.logger.Info("Queue stopped",
		slog.Int("dropped", dropped),
		slog.Int("completed", len(q.completed)),
		slog.Int("failed", len(q.failed)))
}

func (q *Queue) stopTimersLocked() {
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
}
