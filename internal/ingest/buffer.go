package ingest

import (
	"sync"

	"sitepulse/internal/events"
)

// RetryBuffer is a bounded FIFO of events whose write failed transiently.
// When full, the oldest events are discarded.
type RetryBuffer struct {
	mu      sync.Mutex
	items   []events.Event
	head    int
	size    int
	dropped int64
}

// NewRetryBuffer returns nil when capacity is not positive; a nil buffer is disabled.
func NewRetryBuffer(capacity int) *RetryBuffer {
	if capacity <= 0 {
		return nil
	}
	return &RetryBuffer{items: make([]events.Event, capacity)}
}

// Push appends e and returns the number of events dropped to make room.
func (b *RetryBuffer) Push(e events.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	dropped := 0
	if b.size == capacity {
		b.items[b.head] = events.Event{}
		b.head = (b.head + 1) % capacity
		b.size--
		dropped = 1
		b.dropped++
	}

	b.items[(b.head+b.size)%capacity] = e
	b.size++
	return dropped
}

// Requeue puts a batch back at the head in its original order. Events that
// do not fit are the oldest ones and are dropped; the count is returned.
func (b *RetryBuffer) Requeue(batch []events.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.items)
	for i := len(batch) - 1; i >= 0; i-- {
		if b.size == capacity {
			b.dropped += int64(i + 1)
			return i + 1
		}
		b.head = (b.head - 1 + capacity) % capacity
		b.items[b.head] = batch[i]
		b.size++
	}
	return 0
}

// Drain removes and returns up to n events from the head.
func (b *RetryBuffer) Drain(n int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	if n == 0 {
		return nil
	}

	capacity := len(b.items)
	out := make([]events.Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.items[b.head]
		b.items[b.head] = events.Event{}
		b.head = (b.head + 1) % capacity
	}
	b.size -= n
	return out
}

func (b *RetryBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped is the total number of events discarded since creation.
func (b *RetryBuffer) Dropped() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *RetryBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}
