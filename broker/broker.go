// broker defines the contract shared by the in-process event brokers. There are two implementations:
//
//   shardbroker - push model. Each topic is served by a fixed pool of workers, each consuming its own bounded
//                 shard queue and invoking the topic's Handler. Publishers are slowed down as shards fill up.
//   fanoutbroker - pull model. Each topic has a single dispatcher that copies every event onto the private queue
//                  of every subscriber to that topic, from which subscribers pull at their own pace.
//
// Neither broker persists anything or delivers across processes.
package broker

import (
	"context"
)

// Handler processes a single event payload delivered to a topic. Handlers run on the broker's worker
// goroutines, so they should not block for long periods of time.
type Handler[T any] func(payload T) error

// Publisher publishes event payloads to topics.
type Publisher[T any] interface {
	Publish(ctx context.Context, topic string, payload T) error
}

// Puller lets subscribers retrieve events on demand.
type Puller[T any] interface {
	// Subscribe ensures that subscriberID has a queue for topic, returning false if the topic doesn't exist.
	Subscribe(subscriberID string, topic string) bool

	// Pull blocks until the next event for subscriberID on topic is available and returns it.
	Pull(ctx context.Context, subscriberID string, topic string) (T, error)
}

// Closer shuts down a broker, waiting at most until ctx is done.
type Closer interface {
	Close(ctx context.Context) error
}
