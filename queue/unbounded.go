package queue

import (
	"context"
	"sync"
)

const (
	// once this many consumed slots accumulate at the front of the buffer and they make up at least half of
	// it, the live items are shifted down so the buffer doesn't grow forever
	compactThreshold = 1024
)

// Unbounded is a Queue without a capacity limit. Put never blocks.
type Unbounded[T any] struct {
	items   []T
	head    int
	waiters int
	ready   chan interface{}
	closed  bool
	mx      sync.Mutex
}

// NewUnbounded constructs an empty Unbounded queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		ready: make(chan interface{}),
	}
}

func (q *Unbounded[T]) Put(ctx context.Context, item T) error {
	if !q.TryPut(item) {
		return ErrClosed
	}
	return nil
}

func (q *Unbounded[T]) TryPut(item T) bool {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	if q.waiters > 0 {
		// wake up everyone blocked in Take, they'll race for the item under the lock
		close(q.ready)
		q.ready = make(chan interface{})
		q.waiters = 0
	}
	return true
}

func (q *Unbounded[T]) Take(ctx context.Context) (T, error) {
	for {
		q.mx.Lock()
		item, ok := q.pop()
		if ok {
			q.mx.Unlock()
			return item, nil
		}
		if q.closed {
			q.mx.Unlock()
			return item, ErrClosed
		}
		ready := q.ready
		q.waiters++
		q.mx.Unlock()

		select {
		case <-ready:
			// try again
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (q *Unbounded[T]) TryTake() (T, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.pop()
}

func (q *Unbounded[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items) - q.head
}

func (q *Unbounded[T]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

// pop must be called with q.mx held.
func (q *Unbounded[T]) pop() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}
