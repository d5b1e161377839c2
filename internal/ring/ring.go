// Package ring implements the bounded lock-free single-producer/single-consumer
// queue that hands values from the ingest fiber to the worker thread.
package ring

import "sync/atomic"

const cacheLineSize = 64

// Ring is a fixed-capacity SPSC queue. Capacity must be a power of two.
// Exactly one goroutine may call Push; exactly one goroutine may call
// Pop/Peek. Any other usage is a contract violation and is not detected.
type Ring[T any] struct {
	// Producer-owned.
	tail  atomic.Uint64
	_     [cacheLineSize - 8]byte

	// Consumer-owned.
	head atomic.Uint64
	_    [cacheLineSize - 8]byte

	buf  []T
	mask uint64
}

// New creates a ring of the given capacity. Panics if capacity is not a
// power of two.
func New[T any](capacity uint64) *Ring[T] {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two")
	}
	return &Ring[T]{
		buf:  make([]T, capacity),
		mask: capacity - 1,
	}
}

// Push enqueues v. Producer-only. Returns false iff the ring is full.
func (r *Ring[T]) Push(v T) bool {
	tail := r.tail.Load()
	head := r.head.Load() // acquire
	if tail-head > r.mask {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1) // release
	return true
}

// Pop dequeues the front value. Consumer-only. ok is false iff the ring is
// empty.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load() // acquire
	if head == tail {
		return v, false
	}
	v = r.buf[head&r.mask]
	var zero T
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1) // release
	return v, true
}

// Peek returns the front value without removing it. The returned value is a
// copy, valid independent of any subsequent consumer call — see DESIGN.md's
// resolution of the peek-borrow-lifetime question for why a borrowing peek
// was rejected.
func (r *Ring[T]) Peek() (v T, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load() // acquire
	if head == tail {
		return v, false
	}
	return r.buf[head&r.mask], true
}

// Len returns an instantaneous, possibly-stale depth estimate. Safe to call
// from either the producer or the consumer, or from an unrelated observer
// such as the runtime monitor.
func (r *Ring[T]) Len() uint64 {
	tail := r.tail.Load()
	head := r.head.Load()
	return tail - head
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() uint64 {
	return r.mask + 1
}
