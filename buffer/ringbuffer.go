// Package buffer provides a lock-free ring buffer that keeps the most recent
// element results of a calibration session for HISTORY queries and the
// operator console. Each slot stores an atomic pointer so readers either see
// a complete entry or the previous one, never a partially written value.
package buffer

import (
	"sync/atomic"
)

type entry[T any] struct {
	id    uint64
	value T
}

// RingBuffer is a thread-safe circular buffer. Writers publish completed
// entries atomically and readers walk backwards from the newest sequence
// number to gather a snapshot.
type RingBuffer[T any] struct {
	slots    []atomic.Pointer[entry[T]]
	capacity int
	total    atomic.Uint64 // Total entries added (may exceed capacity)
}

// NewRingBuffer allocates a ring buffer with the specified capacity. A
// non-positive capacity is raised to one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		slots:    make([]atomic.Pointer[entry[T]], capacity),
		capacity: capacity,
	}
}

// Add appends v and returns its monotonic sequence number, starting at 1.
func (rb *RingBuffer[T]) Add(v T) uint64 {
	id := rb.total.Add(1)
	idx := (id - 1) % uint64(rb.capacity)
	rb.slots[idx].Store(&entry[T]{id: id, value: v})
	return id
}

// GetRecent returns up to n of the newest values, newest first.
func (rb *RingBuffer[T]) GetRecent(n int) []T {
	if n <= 0 {
		return []T{}
	}
	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}
	if n > available {
		n = available
	}
	result := make([]T, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if e := rb.slots[slot].Load(); e != nil && e.id == idx+1 {
			result = append(result, e.value)
		}
	}
	return result
}

// GetCount returns the total number of values added (may be > capacity).
func (rb *RingBuffer[T]) GetCount() int {
	return int(rb.total.Load())
}

// Capacity returns the number of retained slots.
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}
