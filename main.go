package main

import (
	"context"
	gerrors "errors"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/uuid"

	"github.com/getlantern/eventbus/broker"
	"github.com/getlantern/eventbus/broker/fanoutbroker"
	"github.com/getlantern/eventbus/broker/shardbroker"
	"github.com/getlantern/eventbus/telemetry"
	"github.com/getlantern/eventbus/testsupport"
)

var (
	pprofAddr    = os.Getenv("PPROF_ADDR")
	lightstepKey = os.Getenv("LIGHTSTEP_KEY")
	honeycombKey = os.Getenv("HONEYCOMB_KEY")

	configFile          = flag.String("config", "", "optional YAML file whose settings override the flags below")
	numTopics           = flag.Int("topics", 4, "number of topics to publish to")
	numEvents           = flag.Int("events", 100000, "number of events to publish to each topic")
	queueSize           = flag.Int("queuesize", 1000, "nominal maximum queue size per topic for the push bus")
	workers             = flag.Int("workers", 4, "default number of workers per topic for the push bus")
	workersByTopic      = flag.String("workersbytopic", "", "per-topic worker counts for the push bus, e.g. topic0=8,topic1=2")
	backpressure        = flag.Duration("backpressure", 500*time.Millisecond, "backpressure delay applied when a shard is at its nominal maximum size")
	strict              = flag.Bool("strict", false, "stop push bus workers on the first handler failure")
	numSubscribers      = flag.Int("subscribers", 3, "number of subscribers per topic for the pull bus")
	subscriberQueueSize = flag.Int("subscriberqueuesize", 0, "if positive, bounds the pull bus subscriber queues")
	overflow            = flag.String("overflow", string(fanoutbroker.Block), "what the pull bus does when a bounded subscriber queue is full: block, drop_newest or drop_oldest")
	timeout             = flag.Duration("timeout", 2*time.Minute, "how long to wait for each scenario to finish")

	log = golog.LoggerFor("eventbus")
)

func main() {
	flag.Parse()

	if pprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(pprofAddr, nil))
		}()
	}

	stopTelemetry := telemetry.Start(&telemetry.Opts{
		LightstepKey: lightstepKey,
		HoneycombKey: honeycombKey,
	})
	defer stopTelemetry()

	cfg, err := configFromFlags()
	if err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}
	if *configFile != "" {
		if err := loadConfig(*configFile, cfg); err != nil {
			log.Fatal(err)
		}
	}

	topics := topicNames(cfg.Topics)
	if err := runPush(cfg, topics); err != nil {
		log.Errorf("Push scenario failed with code %d: %v", broker.TypedError(err).Code, err)
	}
	if err := runPull(cfg, topics); err != nil {
		log.Errorf("Pull scenario failed with code %d: %v", broker.TypedError(err).Code, err)
	}
}

func configFromFlags() (*scenarioConfig, error) {
	overrides, err := parseWorkerOverrides(*workersByTopic)
	if err != nil {
		return nil, err
	}
	cfg := &scenarioConfig{
		Topics:              *numTopics,
		Events:              *numEvents,
		QueueSize:           *queueSize,
		Workers:             *workers,
		WorkersByTopic:      overrides,
		Backpressure:        *backpressure,
		Strict:              *strict,
		Subscribers:         *numSubscribers,
		SubscriberQueueSize: *subscriberQueueSize,
		Overflow:            fanoutbroker.OverflowPolicy(*overflow),
		Timeout:             *timeout,
	}
	return cfg, cfg.validate()
}

// runPush publishes cfg.Events events to every topic on a shardbroker from one goroutine per topic and waits
// for all of them to be handled.
func runPush(cfg *scenarioConfig, topics []string) error {
	counters := make(map[string]*testsupport.Counter, len(topics))
	handlers := make(map[string]broker.Handler[string], len(topics))
	for _, topic := range topics {
		counter := &testsupport.Counter{}
		counters[topic] = counter
		handlers[topic] = testsupport.Handler[string](counter)
	}

	b, err := shardbroker.Start(&shardbroker.Opts[string]{
		Name:                       "push",
		MaxQueueSizePerTopic:       cfg.QueueSize,
		Handlers:                   handlers,
		WorkersPerTopic:            cfg.Workers,
		WorkersByTopic:             cfg.WorkersByTopic,
		BackpressureDelay:          cfg.Backpressure,
		StopWorkerOnHandlerFailure: cfg.Strict,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, len(topics))
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for i := 0; i < cfg.Events; i++ {
				if err := b.Publish(ctx, topic, topic+"-"+strconv.Itoa(i)); err != nil {
					errs <- err
					return
				}
			}
		}(topic)
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		b.Close(ctx)
		return err
	}
	published := time.Since(start)

	expected := int64(cfg.Events)
	for !allCounted(counters, expected) {
		if ctx.Err() != nil {
			stats := b.Stats()
			b.Close(ctx)
			return errors.New("timed out waiting for events to be handled: %v", stats)
		}
		time.Sleep(testsupport.Tick)
	}

	elapsed := time.Since(start)
	total := expected * int64(len(topics))
	log.Debugf("Push bus published %d events in %v and handled them in %v (%.0f events/s)", total, published, elapsed, float64(total)/elapsed.Seconds())
	for topic, stats := range b.Stats() {
		log.Debugf("Topic %v: %d workers, handled %d, failed %d", topic, stats.ActiveWorkers, stats.Handled, stats.Failed)
	}
	return b.Close(ctx)
}

func allCounted(counters map[string]*testsupport.Counter, expected int64) bool {
	for _, counter := range counters {
		if counter.Count() < expected {
			return false
		}
	}
	return true
}

// runPull publishes cfg.Events events to every topic on a fanoutbroker while cfg.Subscribers subscribers per
// topic pull them. Every subscriber must see its events in publication order. Unless bounded subscriber
// queues are allowed to drop events, every subscriber must also see every event.
func runPull(cfg *scenarioConfig, topics []string) error {
	b := fanoutbroker.New[int](&fanoutbroker.Opts{
		Name:                "pull",
		SubscriberQueueSize: cfg.SubscriberQueueSize,
		Overflow:            cfg.Overflow,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	subscribers := make([]string, 0, cfg.Subscribers)
	for i := 0; i < cfg.Subscribers; i++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.New("unable to generate subscriber id: %v", err)
		}
		subscribers = append(subscribers, id.String())
	}
	for _, topic := range topics {
		if err := b.CreateTopic(topic); err != nil {
			return err
		}
		for _, subscriber := range subscribers {
			b.Subscribe(subscriber, topic)
		}
	}

	lossless := cfg.SubscriberQueueSize <= 0 || cfg.Overflow == "" || cfg.Overflow == fanoutbroker.Block
	var pulled int64
	errs := make(chan error, len(topics)*(len(subscribers)+1))
	var pullers sync.WaitGroup
	for _, topic := range topics {
		for _, subscriber := range subscribers {
			pullers.Add(1)
			go func(topic string, subscriber string) {
				defer pullers.Done()
				count, err := pullAll(ctx, b, subscriber, topic)
				atomic.AddInt64(&pulled, int64(count))
				if err != nil {
					errs <- err
					return
				}
				if lossless && count != cfg.Events {
					errs <- errors.New("subscriber %v on topic %v pulled %d of %d events", subscriber, topic, count, cfg.Events)
				}
			}(topic, subscriber)
		}
	}

	start := time.Now()
	var publishers sync.WaitGroup
	for _, topic := range topics {
		publishers.Add(1)
		go func(topic string) {
			defer publishers.Done()
			for i := 0; i < cfg.Events; i++ {
				if err := b.Publish(ctx, topic, i); err != nil {
					errs <- err
					return
				}
			}
		}(topic)
	}
	publishers.Wait()

	// the pullers finish once the bus is closed and they've drained their queues
	closeErr := b.Close(ctx)
	pullers.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	elapsed := time.Since(start)
	expected := int64(cfg.Events) * int64(len(topics)) * int64(len(subscribers))
	log.Debugf("Pull bus delivered %d of %d events to %d subscribers in %v (%.0f events/s)", pulled, expected, len(subscribers), elapsed, float64(pulled)/elapsed.Seconds())
	return nil
}

// pullAll pulls events for subscriber on topic until the bus is closed, verifying that they arrive in
// increasing order.
func pullAll(ctx context.Context, b *fanoutbroker.Broker[int], subscriber string, topic string) (int, error) {
	count := 0
	last := -1
	for {
		payload, err := b.Pull(ctx, subscriber, topic)
		if err != nil {
			if gerrors.Is(err, broker.ErrClosed) {
				return count, nil
			}
			return count, err
		}
		if payload <= last {
			return count, errors.New("subscriber %v on topic %v got event %d after %d", subscriber, topic, payload, last)
		}
		last = payload
		count++
	}
}

func topicNames(n int) []string {
	return testsupport.Strings("topic", n)
}

// parseWorkerOverrides parses a comma separated list of topic=workers pairs.
func parseWorkerOverrides(str string) (map[string]int, error) {
	result := make(map[string]int)
	str = strings.TrimSpace(str)
	if str == "" {
		return result, nil
	}
	for _, pair := range strings.Split(str, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.New("expected topic=workers, got %v", pair)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.New("unable to parse worker count for topic %v: %v", parts[0], err)
		}
		if n <= 0 {
			return nil, errors.New("worker count for topic %v must be positive, got %d", parts[0], n)
		}
		result[parts[0]] = n
	}
	return result, nil
}
