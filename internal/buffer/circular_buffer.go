// Package buffer provides bounded in-memory storage for captured entries.
package buffer

import (
	"sync"
)

// CircularBuffer is a fixed-capacity FIFO that overwrites its oldest item
// once full. It is safe for concurrent use.
type CircularBuffer[T any] struct {
	buf     []T
	size    int
	head    int // write position
	count   int
	evicted uint64
	mu      sync.RWMutex
}

// NewCircularBuffer creates a buffer holding at most size items.
// A non-positive size falls back to 1000.
func NewCircularBuffer[T any](size int) *CircularBuffer[T] {
	if size <= 0 {
		size = 1000
	}
	return &CircularBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends an item, evicting the oldest one when full.
func (cb *CircularBuffer[T]) Push(item T) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buf[cb.head] = item
	cb.head = (cb.head + 1) % cb.size
	if cb.count < cb.size {
		cb.count++
	} else {
		cb.evicted++
	}
}

// Items returns the contents oldest first.
func (cb *CircularBuffer[T]) Items() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]T, cb.count)
	tail := (cb.head - cb.count + cb.size) % cb.size
	if tail+cb.count <= cb.size {
		copy(out, cb.buf[tail:tail+cb.count])
		return out
	}
	// Wrap-around: tail -> end + start -> head
	n := copy(out, cb.buf[tail:])
	copy(out[n:], cb.buf[:cb.head])
	return out
}

// Last returns up to n of the newest items, oldest first.
func (cb *CircularBuffer[T]) Last(n int) []T {
	items := cb.Items()
	if n >= 0 && n < len(items) {
		return items[len(items)-n:]
	}
	return items
}

// Len returns the number of stored items.
func (cb *CircularBuffer[T]) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.count
}

// Evicted returns how many items were overwritten since creation.
func (cb *CircularBuffer[T]) Evicted() uint64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.evicted
}

// Reset clears the buffer.
func (cb *CircularBuffer[T]) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.buf {
		cb.buf[i] = zero
	}
	cb.head = 0
	cb.count = 0
}

// Capacity returns the maximum capacity of the buffer.
func (cb *CircularBuffer[T]) Capacity() int {
	return cb.size
}
