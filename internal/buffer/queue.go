// Package buffer provides an unbounded FIFO used to hand events from
// synchronous listeners to slower consumers without blocking the listener.
package buffer

import (
	"context"
	"sync"
)

// growPercent is the fill level at which the ring doubles.
const growPercent = 70

// Queue is a thread-safe ring buffer that doubles its capacity when it
// reaches 70% full. Push never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   int // read position
	count  int
	closed bool

	ready chan struct{}
	done  chan struct{}

	pushed  int64
	popped  int64
	resizes int
}

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Len     int
	Cap     int
	Pushed  int64
	Popped  int64
	Resizes int
}

// New creates a Queue with the given initial capacity (minimum 1).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ring:  make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. It returns false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	threshold := max(len(q.ring)*growPercent/100, 1)
	if q.count+1 >= threshold {
		q.resize(len(q.ring) * 2)
	}

	q.ring[(q.head+q.count)%len(q.ring)] = v
	q.count++
	q.pushed++
	q.mu.Unlock()

	q.signal()
	return true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Pop removes the oldest item, waiting until one is available. It returns
// false when ctx is done or the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, true
		}

		select {
		case <-q.ready:
		case <-q.done:
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Drain removes up to max items (all when max <= 0), oldest first.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.popLocked()
	}
	return out
}

// Ready is signalled after a Push. A single receive may stand for many
// pushes, so consumers should drain after each wake-up.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Close stops accepting pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current ring capacity.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:     q.count,
		Cap:     len(q.ring),
		Pushed:  q.pushed,
		Popped:  q.popped,
		Resizes: q.resizes,
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// popLocked removes the head item. Must be called with mu held and count > 0.
func (q *Queue[T]) popLocked() T {
	v := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero // release for GC
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return v
}

// resize moves the live items to the front of a new ring of size n.
func (q *Queue[T]) resize(n int) {
	ring := make([]T, n)
	if q.count > 0 {
		end := q.head + q.count
		if end <= len(q.ring) {
			copy(ring, q.ring[q.head:end])
		} else {
			k := copy(ring, q.ring[q.head:])
			copy(ring[k:], q.ring[:end-len(q.ring)])
		}
	}
	q.ring = ring
	q.head = 0
	q.resizes++
}
