// shardbroker implements a push-model broker. Each topic owns a fixed number of bounded shard queues, each
// consumed by exactly one worker goroutine that invokes the topic's Handler. Publishers pick a shard at
// random, so there's no ordering guarantee between events on the same topic, and they are slowed down
// (but never rejected) as the chosen shard fills up.
//
// Because every shard has exactly one reader, shards need no coordination beyond the queue itself.
package shardbroker

import (
	"context"
	gerrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/trace"

	"github.com/getlantern/eventbus/broker"
	"github.com/getlantern/eventbus/queue"
	"github.com/getlantern/eventbus/telemetry"
	"github.com/getlantern/eventbus/util"
)

const (
	instrumentationName = "github.com/getlantern/eventbus/broker/shardbroker"
)

var (
	log    = golog.LoggerFor("shardbroker")
	tracer = trace.NewTracer("shardbroker")

	publishedEvents    = telemetry.NewCounter(instrumentationName, "eventbus.push.published", "events published to the push bus")
	handledEvents      = telemetry.NewCounter(instrumentationName, "eventbus.push.handled", "events successfully handled by push bus workers")
	failedEvents       = telemetry.NewCounter(instrumentationName, "eventbus.push.handler_failures", "events whose handler failed or panicked")
	backpressureDelays = telemetry.NewHistogram(instrumentationName, "eventbus.push.backpressure_delay_ms", "time publishers spent delayed by backpressure")
)

type Opts[T any] struct {
	// The name of this bus, used for logging and metrics. Required.
	Name string
	// The nominal maximum number of events queued per shard. Publishers start being delayed once a shard holds
	// more than 90% of this, and each shard can hold at most twice this many events. Required.
	MaxQueueSizePerTopic int
	// The Handler for each topic. Only these topics can be published to. Required.
	Handlers map[string]broker.Handler[T]
	// How many workers (and shards) to run per topic, defaults to 1
	WorkersPerTopic int
	// Overrides WorkersPerTopic for specific topics. Overrides that aren't positive are ignored.
	WorkersByTopic map[string]int
	// How long to delay a publisher whose shard is at MaxQueueSizePerTopic, defaults to 500ms. The delay ramps
	// up linearly from nothing at 90% of MaxQueueSizePerTopic and keeps growing past 100%.
	BackpressureDelay time.Duration
	// If true, a worker whose handler fails stops processing for good and its shard is no longer consumed.
	// By default, failures are logged and the worker moves on to the next event.
	StopWorkerOnHandlerFailure bool
	// Optional callback invoked (on the worker goroutine) whenever a handler fails or panics
	OnHandlerFailure func(topic string, err error)
}

func (opts *Opts[T]) validate() error {
	if opts == nil {
		return broker.ErrConfiguration.Withf("missing opts")
	}
	if opts.Name == "" {
		return broker.ErrConfiguration.Withf("event bus should have a name")
	}
	if len(opts.Handlers) == 0 {
		return broker.ErrConfiguration.Withf("topics should have handlers, please provide handlers for topics")
	}
	if opts.MaxQueueSizePerTopic <= 0 {
		return broker.ErrConfiguration.Withf("MaxQueueSizePerTopic must be positive, got %d", opts.MaxQueueSizePerTopic)
	}
	for topic, handler := range opts.Handlers {
		if handler == nil {
			return broker.ErrConfiguration.Withf("nil handler for topic %v", topic)
		}
	}
	return nil
}

func (opts *Opts[T]) ApplyDefaults() {
	if opts.WorkersPerTopic <= 0 {
		opts.WorkersPerTopic = 1
		log.Debugf("Defaulted WorkersPerTopic to: %d", opts.WorkersPerTopic)
	}
	if opts.BackpressureDelay <= 0 {
		opts.BackpressureDelay = 500 * time.Millisecond
		log.Debugf("Defaulted BackpressureDelay to: %v", opts.BackpressureDelay)
	}
}

func (opts *Opts[T]) workersFor(topic string) int {
	if override := opts.WorkersByTopic[topic]; override > 0 {
		return override
	}
	return opts.WorkersPerTopic
}

// Broker is a sharded push broker. The zero value is not usable, construct one with New or Start.
type Broker[T any] struct {
	name                       string
	maxQueueSize               int
	backpressureDelay          time.Duration
	stopWorkerOnHandlerFailure bool
	onHandlerFailure           func(topic string, err error)
	topics                     map[string]*topic[T]
	closed                     bool
	cancel                     context.CancelFunc
	workers                    sync.WaitGroup
	mx                         sync.RWMutex
}

// New constructs a Broker that must be initialized with Init before it can be published to.
func New[T any]() *Broker[T] {
	return &Broker[T]{}
}

// Start constructs and initializes a Broker.
func Start[T any](opts *Opts[T]) (*Broker[T], error) {
	b := New[T]()
	if err := b.Init(opts); err != nil {
		return nil, err
	}
	return b, nil
}

// Init validates opts, allocates the shard queues for every topic and starts their workers. If validation
// fails, the Broker stays uninitialized. A Broker can only be initialized once.
func (b *Broker[T]) Init(opts *Opts[T]) error {
	if err := opts.validate(); err != nil {
		return err
	}
	opts.ApplyDefaults()

	b.mx.Lock()
	defer b.mx.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	if b.topics != nil {
		return broker.ErrAlreadyInitialized.Withf("bus %v", b.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.name = opts.Name
	b.maxQueueSize = opts.MaxQueueSizePerTopic
	b.backpressureDelay = opts.BackpressureDelay
	b.stopWorkerOnHandlerFailure = opts.StopWorkerOnHandlerFailure
	b.onHandlerFailure = opts.OnHandlerFailure
	b.cancel = cancel
	b.topics = make(map[string]*topic[T], len(opts.Handlers))

	for name, handler := range opts.Handlers {
		t := newTopic(b.name, name, handler, opts.workersFor(name), 2*opts.MaxQueueSizePerTopic)
		b.topics[name] = t
		for i := range t.shards {
			b.workers.Add(1)
			go b.work(ctx, t, i)
		}
		log.Debugf("Started %d workers for topic %v on bus %v", len(t.shards), name, b.name)
	}

	return nil
}

// Publish publishes payload to one of topic's shards, chosen at random. If that shard is getting full,
// Publish first sleeps to give the workers a chance to catch up, and if the shard is actually full, Publish
// blocks until there's room. If ctx is done while waiting, Publish fails with broker.ErrInterrupted.
func (b *Broker[T]) Publish(ctx context.Context, topicName string, payload T) error {
	_, span := tracer.Continue("publish")
	defer span.End()

	t, err := b.topicFor(topicName)
	if err != nil {
		return err
	}

	shard := t.shards[rand.Intn(len(t.shards))]
	if delay := BackpressureDelay(shard.Len(), b.maxQueueSize, b.backpressureDelay); delay > 0 {
		backpressureDelays.Record(ctx, util.ToMillis(delay), t.attrs...)
		if err := util.Sleep(ctx, delay); err != nil {
			return broker.ErrInterrupted.WithCause(err).Withf("applying backpressure on topic %v", topicName)
		}
	}

	if err := shard.Put(ctx, payload); err != nil {
		if gerrors.Is(err, queue.ErrClosed) {
			return broker.ErrClosed
		}
		return broker.ErrInterrupted.WithCause(err).Withf("publishing to topic %v", topicName)
	}
	publishedEvents.Add(ctx, 1, t.attrs...)
	return nil
}

func (b *Broker[T]) topicFor(name string) (*topic[T], error) {
	b.mx.RLock()
	defer b.mx.RUnlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.topics == nil {
		return nil, broker.ErrNotInitialized.Withf("call Init with the necessary options before publishing")
	}
	t := b.topics[name]
	if t == nil {
		return nil, broker.ErrUnknownTopic.Withf("%v", name)
	}
	return t, nil
}

// Close stops accepting new events and waits for the workers to process whatever is already queued. If ctx
// is done first, the workers are stopped without finishing and Close returns ctx.Err().
func (b *Broker[T]) Close(ctx context.Context) error {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	cancel := b.cancel
	b.mx.Unlock()

	if topics == nil {
		// never initialized, nothing running
		return nil
	}

	for _, t := range topics {
		for _, shard := range t.shards {
			shard.Close()
		}
	}

	done := make(chan interface{})
	go func() {
		b.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		log.Debugf("Closed bus %v", b.name)
		return nil
	case <-ctx.Done():
		cancel()
		log.Errorf("Stopped workers on bus %v before they finished processing queued events: %v", b.name, ctx.Err())
		return ctx.Err()
	}
}

// TopicStats is a snapshot of the state of a single topic.
type TopicStats struct {
	// The number of events queued on each shard
	ShardLengths []int
	// The capacity of each shard
	ShardCapacity int
	// How many workers are still consuming their shards
	ActiveWorkers int
	// How many events were handled successfully
	Handled int64
	// How many events failed in their handler
	Failed int64
}

// Stats returns a snapshot of every topic's state, keyed by topic.
func (b *Broker[T]) Stats() map[string]*TopicStats {
	b.mx.RLock()
	topics := b.topics
	b.mx.RUnlock()

	result := make(map[string]*TopicStats, len(topics))
	for name, t := range topics {
		result[name] = t.stats()
	}
	return result
}
