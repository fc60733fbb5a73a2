// queue provides the concurrent FIFO queues that back both brokers: a Bounded queue whose writers block
// while it is full, and an Unbounded queue whose writers never block.
//
// Both kinds are safe for any number of concurrent producers and consumers. Once closed, a queue rejects
// new items but still hands out whatever it holds, after which Take fails with ErrClosed.
package queue

import (
	"context"
	gerrors "errors"
)

var (
	// ErrClosed is returned when putting to a closed queue, or taking from one that has been drained.
	ErrClosed = gerrors.New("queue closed")
)

// Queue is a concurrency-safe FIFO queue.
type Queue[T any] interface {
	// Put adds item to the tail of the queue, blocking while the queue is full. It returns ctx.Err() if ctx
	// is done before the item could be added.
	Put(ctx context.Context, item T) error

	// TryPut adds item without blocking, returning false if the queue is full or closed.
	TryPut(item T) bool

	// Take removes the item at the head of the queue, blocking while the queue is empty.
	Take(ctx context.Context) (T, error)

	// TryTake removes the item at the head of the queue if there is one.
	TryTake() (T, bool)

	// Len returns the number of items currently queued.
	Len() int

	// Close stops the queue from accepting new items and wakes up any blocked callers.
	Close()
}
