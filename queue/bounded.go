package queue

import (
	"context"
	"sync"
)

// Bounded is a Queue with a fixed capacity. Its length never exceeds its capacity.
type Bounded[T any] struct {
	ch        chan T
	closeCh   chan interface{}
	closeOnce sync.Once
}

// NewBounded constructs a Bounded queue that holds at most capacity items.
func NewBounded[T any](capacity int) *Bounded[T] {
	return &Bounded[T]{
		ch:      make(chan T, capacity),
		closeCh: make(chan interface{}),
	}
}

func (q *Bounded[T]) Put(ctx context.Context, item T) error {
	if q.isClosed() {
		return ErrClosed
	}

	select {
	case q.ch <- item:
		return nil
	case <-q.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Bounded[T]) TryPut(item T) bool {
	if q.isClosed() {
		return false
	}

	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *Bounded[T]) Take(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.closeCh:
		// drain what's left before reporting closed
		item, ok := q.TryTake()
		if !ok {
			return item, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (q *Bounded[T]) TryTake() (T, bool) {
	select {
	case item := <-q.ch:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

func (q *Bounded[T]) Len() int {
	return len(q.ch)
}

// Cap returns the maximum number of items the queue can hold.
func (q *Bounded[T]) Cap() int {
	return cap(q.ch)
}

func (q *Bounded[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closeCh)
	})
}

func (q *Bounded[T]) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}
