package fanoutbroker

import (
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/getlantern/eventbus/queue"
	"github.com/getlantern/eventbus/telemetry"
)

type subscription[T any] struct {
	subscriberID string
	q            queue.Queue[T]
}

type topic[T any] struct {
	name          string
	inbox         *queue.Unbounded[T]
	subscriptions []*subscription[T]
	attrs         []attribute.KeyValue
	mx            sync.RWMutex
}

func newTopic[T any](busName string, name string) *topic[T] {
	return &topic[T]{
		name:  name,
		inbox: queue.NewUnbounded[T](),
		attrs: []attribute.KeyValue{telemetry.Bus(busName), telemetry.Topic(name)},
	}
}

func (t *topic[T]) addSubscriber(subscriberID string, q queue.Queue[T]) {
	t.mx.Lock()
	defer t.mx.Unlock()

	// copy on write so that dispatch can iterate over a snapshot without holding the lock
	subscriptions := make([]*subscription[T], 0, len(t.subscriptions)+1)
	subscriptions = append(subscriptions, t.subscriptions...)
	t.subscriptions = append(subscriptions, &subscription[T]{subscriberID: subscriberID, q: q})
}

func (t *topic[T]) currentSubscriptions() []*subscription[T] {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return t.subscriptions
}

// dispatch delivers the topic's events, one at a time and in the order in which they were published, to
// everyone who's subscribed at the time of delivery. It runs until the topic's inbox is closed and drained, or
// until the broker is forcibly stopped.
func (b *Broker[T]) dispatch(t *topic[T]) {
	defer b.dispatchers.Done()

	for {
		payload, err := t.inbox.Take(b.ctx)
		if err != nil {
			return
		}
		for _, sub := range t.currentSubscriptions() {
			delivered, err := b.deliver(sub.q, payload)
			if err != nil {
				// stopped while blocked on a full subscriber queue
				return
			}
			if delivered {
				deliveredEvents.Add(b.ctx, 1, t.attrs...)
			} else {
				droppedEvents.Add(b.ctx, 1, t.attrs...)
				log.Debugf("Dropped event on topic %v for subscriber %v, queue is full", t.name, sub.subscriberID)
			}
		}
	}
}
