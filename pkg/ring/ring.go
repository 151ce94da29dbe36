// Package ring provides a bounded ordered buffer used for per-topic message
// history. Oldest entries are evicted by count on append and by age on demand.
package ring

import (
	"sync"
	"time"
)

// Buffer is a thread-safe bounded ring buffer. Appends past capacity evict
// the oldest entry. Entries carry a timestamp so callers can expire by age.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	stamps   []time.Time
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest entry
	dropped  uint64
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		stamps:   make([]time.Time, capacity),
		capacity: capacity,
	}
}

// Append adds an item stamped with at, evicting the oldest entry when full.
// Returns true if an entry was evicted.
func (b *Buffer[T]) Append(item T, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if b.size == b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		b.dropped++
		evicted = true
	}

	b.items[b.head] = item
	b.stamps[b.head] = at
	b.head = (b.head + 1) % b.capacity
	b.size++
	return evicted
}

// Snapshot returns all entries in insertion order.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.tail+i)%b.capacity])
	}
	return out
}

// Filter returns entries, in insertion order, for which keep returns true,
// stopping after limit entries when limit > 0.
func (b *Buffer[T]) Filter(keep func(T) bool, limit int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []T
	for i := 0; i < b.size; i++ {
		item := b.items[(b.tail+i)%b.capacity]
		if !keep(item) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ExpireBefore evicts entries stamped before cutoff. Entries are stamped in
// insertion order, so eviction stops at the first entry at or after cutoff.
// Returns the number of entries evicted.
func (b *Buffer[T]) ExpireBefore(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	expired := 0
	for b.size > 0 && b.stamps[b.tail].Before(cutoff) {
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		expired++
	}
	b.dropped += uint64(expired)
	return expired
}

// Len returns the number of entries currently held.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum number of entries.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// Dropped returns the total number of entries evicted by count or age.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
