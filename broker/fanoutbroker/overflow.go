package fanoutbroker

import (
	"github.com/getlantern/eventbus/queue"
)

// OverflowPolicy determines what the dispatcher does when a bounded subscriber queue is full.
type OverflowPolicy string

const (
	// Block makes the dispatcher wait until the subscriber makes room. This holds up delivery of the topic to
	// all subscribers, but never loses events.
	Block OverflowPolicy = "block"
	// DropNewest discards the event being delivered.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest discards the oldest event in the subscriber's queue to make room for the new one.
	DropOldest OverflowPolicy = "drop_oldest"
)

func (b *Broker[T]) newSubscriberQueue() queue.Queue[T] {
	if b.subscriberQueueSize > 0 {
		return queue.NewBounded[T](b.subscriberQueueSize)
	}
	return queue.NewUnbounded[T]()
}

// deliver puts payload on q according to the overflow policy, returning false if payload (or an older event
// in its place) had to be dropped.
func (b *Broker[T]) deliver(q queue.Queue[T], payload T) (bool, error) {
	if q.TryPut(payload) {
		return true, nil
	}

	switch b.overflow {
	case DropNewest:
		return false, nil
	case DropOldest:
		for {
			_, evicted := q.TryTake()
			if q.TryPut(payload) {
				return !evicted, nil
			}
			if err := b.ctx.Err(); err != nil {
				return false, err
			}
		}
	default:
		if err := q.Put(b.ctx, payload); err != nil {
			return false, err
		}
		return true, nil
	}
}
