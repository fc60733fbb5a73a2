// fanoutbroker implements a pull-model broker. Each topic has a single dispatcher goroutine that copies every
// published event onto the private queue of every subscriber to that topic. Subscribers pull from their own
// queues at their own pace.
//
// Because there's only one dispatcher per topic, all subscribers to a topic see its events in the same order
// in which they were published. A subscriber only sees events that were dispatched after it subscribed.
package fanoutbroker

import (
	"context"
	gerrors "errors"
	"sync"

	"github.com/getlantern/golog"
	"github.com/getlantern/trace"

	"github.com/getlantern/eventbus/broker"
	"github.com/getlantern/eventbus/queue"
	"github.com/getlantern/eventbus/telemetry"
)

const (
	instrumentationName = "github.com/getlantern/eventbus/broker/fanoutbroker"
)

var (
	log    = golog.LoggerFor("fanoutbroker")
	tracer = trace.NewTracer("fanoutbroker")

	publishedEvents = telemetry.NewCounter(instrumentationName, "eventbus.pull.published", "events published to the pull bus")
	deliveredEvents = telemetry.NewCounter(instrumentationName, "eventbus.pull.delivered", "events copied onto subscriber queues")
	droppedEvents   = telemetry.NewCounter(instrumentationName, "eventbus.pull.dropped", "events dropped because a bounded subscriber queue was full")
	pulledEvents    = telemetry.NewCounter(instrumentationName, "eventbus.pull.pulled", "events pulled by subscribers")
)

type Opts struct {
	// The name of this bus, used for logging and metrics, defaults to "fanout"
	Name string
	// If positive, each subscriber queue holds at most this many events and Overflow determines what happens
	// when one is full. Defaults to 0, meaning subscriber queues are unbounded.
	SubscriberQueueSize int
	// What to do when a bounded subscriber queue is full, defaults to Block
	Overflow OverflowPolicy
}

func (opts *Opts) ApplyDefaults() {
	if opts.Name == "" {
		opts.Name = "fanout"
		log.Debugf("Defaulted Name to: %v", opts.Name)
	}
	if opts.SubscriberQueueSize < 0 {
		opts.SubscriberQueueSize = 0
		log.Debug("Defaulted to unbounded subscriber queues")
	}
	if opts.Overflow == "" {
		opts.Overflow = Block
		log.Debugf("Defaulted Overflow to: %v", opts.Overflow)
	}
}

// Broker is a fan-out pull broker.
type Broker[T any] struct {
	name                string
	subscriberQueueSize int
	overflow            OverflowPolicy
	topics              map[string]*topic[T]
	subscribers         map[string]map[string]queue.Queue[T]
	closed              bool
	ctx                 context.Context
	cancel              context.CancelFunc
	dispatchers         sync.WaitGroup
	mx                  sync.RWMutex
}

// New constructs a new Broker. opts may be nil, in which case defaults are used.
func New[T any](opts *Opts) *Broker[T] {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Broker[T]{
		name:                opts.Name,
		subscriberQueueSize: opts.SubscriberQueueSize,
		overflow:            opts.Overflow,
		topics:              make(map[string]*topic[T]),
		subscribers:         make(map[string]map[string]queue.Queue[T]),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// CreateTopic creates topic along with its dispatcher. Creating a topic that already exists is a no-op.
func (b *Broker[T]) CreateTopic(topicName string) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	if b.topics[topicName] != nil {
		return nil
	}

	t := newTopic[T](b.name, topicName)
	b.topics[topicName] = t
	b.dispatchers.Add(1)
	go b.dispatch(t)
	log.Debugf("Created topic %v on bus %v", topicName, b.name)
	return nil
}

// Publish hands payload off to topic's dispatcher and returns immediately. The payload will be delivered to
// every subscriber that's subscribed to topic by the time the dispatcher gets to it.
func (b *Broker[T]) Publish(ctx context.Context, topicName string, payload T) error {
	_, span := tracer.Continue("publish")
	defer span.End()

	b.mx.RLock()
	closed := b.closed
	t := b.topics[topicName]
	b.mx.RUnlock()

	if closed {
		return broker.ErrClosed
	}
	if t == nil {
		return broker.ErrUnknownTopic.Withf("%v", topicName)
	}
	if !t.inbox.TryPut(payload) {
		return broker.ErrClosed
	}
	publishedEvents.Add(ctx, 1, t.attrs...)
	return nil
}

// Subscribe ensures that subscriberID has a queue for topic. It returns false without doing anything if
// topic hasn't been created. Subscribing more than once is harmless and doesn't reset the queue.
func (b *Broker[T]) Subscribe(subscriberID string, topicName string) bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.closed {
		return false
	}
	t := b.topics[topicName]
	if t == nil {
		return false
	}

	queuesByTopic := b.subscribers[subscriberID]
	if queuesByTopic == nil {
		queuesByTopic = make(map[string]queue.Queue[T])
		b.subscribers[subscriberID] = queuesByTopic
	}
	if queuesByTopic[topicName] != nil {
		return true
	}

	q := b.newSubscriberQueue()
	queuesByTopic[topicName] = q
	t.addSubscriber(subscriberID, q)
	log.Debugf("Subscribed %v to topic %v on bus %v", subscriberID, topicName, b.name)
	return true
}

// Pull removes and returns the next event for subscriberID on topic, blocking until one is available. If ctx
// is done first, Pull fails with broker.ErrInterrupted. Once the Broker is closed, Pull keeps returning
// whatever was already delivered to the subscriber and then fails with broker.ErrClosed.
func (b *Broker[T]) Pull(ctx context.Context, subscriberID string, topicName string) (T, error) {
	q, err := b.queueFor(subscriberID, topicName)
	if err != nil {
		var zero T
		return zero, err
	}

	payload, err := q.Take(ctx)
	if err != nil {
		if gerrors.Is(err, queue.ErrClosed) {
			return payload, broker.ErrClosed
		}
		return payload, broker.ErrInterrupted.WithCause(err).Withf("pulling %v for %v", topicName, subscriberID)
	}
	pulledEvents.Add(ctx, 1, telemetry.Bus(b.name), telemetry.Topic(topicName))
	return payload, nil
}

// Pending returns how many events are waiting to be pulled by subscriberID on topic.
func (b *Broker[T]) Pending(subscriberID string, topicName string) (int, error) {
	q, err := b.queueFor(subscriberID, topicName)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}

func (b *Broker[T]) queueFor(subscriberID string, topicName string) (queue.Queue[T], error) {
	b.mx.RLock()
	defer b.mx.RUnlock()

	queuesByTopic := b.subscribers[subscriberID]
	if queuesByTopic == nil {
		return nil, broker.ErrUnknownSubscriber.Withf("%v", subscriberID)
	}
	q := queuesByTopic[topicName]
	if q == nil {
		return nil, broker.ErrNotSubscribed.Withf("%v topic not subscribed by subscriber %v", topicName, subscriberID)
	}
	return q, nil
}

// Close stops accepting new events, waits for the dispatchers to deliver whatever has already been published
// and then closes all subscriber queues. If ctx is done before the dispatchers finish, they're stopped and
// Close returns ctx.Err().
func (b *Broker[T]) Close(ctx context.Context) error {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic[T], 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mx.Unlock()

	for _, t := range topics {
		t.inbox.Close()
	}

	done := make(chan interface{})
	go func() {
		b.dispatchers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		log.Debugf("Closed bus %v", b.name)
	case <-ctx.Done():
		err = ctx.Err()
		log.Errorf("Stopped dispatchers on bus %v before they finished delivering published events: %v", b.name, err)
	}
	b.cancel()

	b.mx.RLock()
	defer b.mx.RUnlock()
	for _, queuesByTopic := range b.subscribers {
		for _, q := range queuesByTopic {
			q.Close()
		}
	}
	return err
}
