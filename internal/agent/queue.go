package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tabrelay/internal/domain"
)

const (
	defaultQueueSize = 256
	slowDelivery     = 100 * time.Millisecond
	closeTimeout     = 5 * time.Second
)

// EntryQueue decouples protocol event callbacks from forwarding. When the
// queue is full the oldest entry is dropped.
type EntryQueue struct {
	deliver func(domain.LogEntry)
	entries chan domain.LogEntry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu      sync.Mutex
	dropped int
}

// NewEntryQueue starts a worker calling deliver for every pushed entry.
func NewEntryQueue(size int, deliver func(domain.LogEntry), logger *slog.Logger) *EntryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &EntryQueue{
		deliver: deliver,
		entries: make(chan domain.LogEntry, size),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Push queues entry without blocking.
func (q *EntryQueue) Push(entry domain.LogEntry) {
	select {
	case <-q.ctx.Done():
		return
	default:
	}

	select {
	case q.entries <- entry:
		return
	default:
	}

	select {
	case <-q.entries:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("Capture queue full, dropped oldest entry", "queue_len", len(q.entries))
	default:
	}

	select {
	case q.entries <- entry:
	default:
		q.logger.Warn("Failed to queue entry after dropping", "type", entry.Type)
	}
}

// Dropped returns how many entries were discarded for lack of room.
func (q *EntryQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *EntryQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case entry := <-q.entries:
			start := time.Now()
			q.deliver(entry)
			if d := time.Since(start); d > slowDelivery {
				q.logger.Warn("Slow entry delivery", "type", entry.Type, "duration_ms", d.Milliseconds())
			}
		}
	}
}

// Close stops the worker. Entries still queued are discarded.
func (q *EntryQueue) Close() {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		q.logger.Warn("Capture queue shutdown timeout")
	}
	if n := len(q.entries); n > 0 {
		q.logger.Debug("Discarded queued entries on close", "count", n)
	}
}
