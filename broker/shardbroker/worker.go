package shardbroker

import (
	"context"
	"reflect"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/getlantern/errors"

	"github.com/getlantern/eventbus/broker"
	"github.com/getlantern/eventbus/queue"
	"github.com/getlantern/eventbus/telemetry"
)

type topic[T any] struct {
	name          string
	handler       broker.Handler[T]
	shards        []*queue.Bounded[T]
	attrs         []attribute.KeyValue
	handled       int64
	failed        int64
	activeWorkers int64
}

func newTopic[T any](busName string, name string, handler broker.Handler[T], numShards int, shardCapacity int) *topic[T] {
	t := &topic[T]{
		name:          name,
		handler:       handler,
		shards:        make([]*queue.Bounded[T], 0, numShards),
		attrs:         []attribute.KeyValue{telemetry.Bus(busName), telemetry.Topic(name)},
		activeWorkers: int64(numShards),
	}
	for i := 0; i < numShards; i++ {
		t.shards = append(t.shards, queue.NewBounded[T](shardCapacity))
	}
	return t
}

// work consumes the shard at shardIdx until the shard is closed and drained or ctx is done.
func (b *Broker[T]) work(ctx context.Context, t *topic[T], shardIdx int) {
	defer b.workers.Done()
	defer atomic.AddInt64(&t.activeWorkers, -1)

	shard := t.shards[shardIdx]
	for {
		payload, err := shard.Take(ctx)
		if err != nil {
			return
		}
		if isNil(payload) {
			continue
		}

		err = t.process(payload)
		if err == nil {
			atomic.AddInt64(&t.handled, 1)
			handledEvents.Add(ctx, 1, t.attrs...)
			continue
		}

		b.handlerFailed(ctx, t, err)
		if b.stopWorkerOnHandlerFailure {
			log.Errorf("Stopping worker %d for topic %v on bus %v, its shard will no longer be consumed", shardIdx, t.name, b.name)
			return
		}
	}
}

func (t *topic[T]) process(payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = broker.ErrHandlerFailure.WithCause(errors.New("handler panicked: %v", r)).Withf("topic %v", t.name)
		}
	}()

	if handlerErr := t.handler(payload); handlerErr != nil {
		return broker.ErrHandlerFailure.WithCause(handlerErr).Withf("topic %v", t.name)
	}
	return nil
}

func (b *Broker[T]) handlerFailed(ctx context.Context, t *topic[T], err error) {
	atomic.AddInt64(&t.failed, 1)
	failedEvents.Add(ctx, 1, t.attrs...)
	log.Error(err)
	if b.onHandlerFailure != nil {
		b.onHandlerFailure(t.name, err)
	}
}

func (t *topic[T]) stats() *TopicStats {
	lengths := make([]int, 0, len(t.shards))
	for _, shard := range t.shards {
		lengths = append(lengths, shard.Len())
	}
	return &TopicStats{
		ShardLengths:  lengths,
		ShardCapacity: t.shards[0].Cap(),
		ActiveWorkers: int(atomic.LoadInt64(&t.activeWorkers)),
		Handled:       atomic.LoadInt64(&t.handled),
		Failed:        atomic.LoadInt64(&t.failed),
	}
}

// isNil reports whether payload is nil, including typed nils such as a nil pointer.
func isNil(payload interface{}) bool {
	if payload == nil {
		return true
	}
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
