package fanoutbroker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/broker"
	"github.com/getlantern/eventbus/testsupport"
)

var (
	_ broker.Publisher[string] = (*Broker[string])(nil)
	_ broker.Puller[string]    = (*Broker[string])(nil)
	_ broker.Closer            = (*Broker[string])(nil)
)

func pull(t *testing.T, b *Broker[string], subscriberID string, topic string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testsupport.WaitTime)
	defer cancel()
	payload, err := b.Pull(ctx, subscriberID, topic)
	require.NoError(t, err)
	return payload
}

func requireNothingToPull(t *testing.T, b *Broker[string], subscriberID string, topic string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Pull(ctx, subscriberID, topic)
	require.ErrorIs(t, err, broker.ErrInterrupted)
}

func TestOrdersScenario(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("orders"))
	require.True(t, b.Subscribe("s1", "orders"))
	require.True(t, b.Subscribe("s2", "orders"))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "orders", "A"))
	require.NoError(t, b.Publish(ctx, "orders", "B"))

	for _, subscriber := range []string{"s1", "s2"} {
		require.Equal(t, "A", pull(t, b, subscriber, "orders"))
		require.Equal(t, "B", pull(t, b, subscriber, "orders"))
	}
}

func TestFanOutOrdering(t *testing.T) {
	const n = 1000
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	subscribers := []string{"a", "b", "c"}
	for _, subscriber := range subscribers {
		require.True(t, b.Subscribe(subscriber, "x"))
	}

	payloads := testsupport.Strings("e", n)
	for _, payload := range payloads {
		require.NoError(t, b.Publish(context.Background(), "x", payload))
	}

	var wg sync.WaitGroup
	for _, subscriber := range subscribers {
		wg.Add(1)
		go func(subscriber string) {
			defer wg.Done()
			received := make([]string, 0, n)
			for i := 0; i < n; i++ {
				payload, err := b.Pull(context.Background(), subscriber, "x")
				if !assert.NoError(t, err) {
					return
				}
				received = append(received, payload)
			}
			assert.Equal(t, payloads, received, subscriber)
		}(subscriber)
	}
	wg.Wait()
}

func TestTopicIsolation(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.NoError(t, b.CreateTopic("y"))
	require.True(t, b.Subscribe("s", "x"))
	require.True(t, b.Subscribe("s", "y"))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "x", "x1"))
	require.NoError(t, b.Publish(ctx, "y", "y1"))
	require.NoError(t, b.Publish(ctx, "x", "x2"))

	require.Equal(t, "y1", pull(t, b, "s", "y"))
	requireNothingToPull(t, b, "s", "y")
	require.Equal(t, "x1", pull(t, b, "s", "x"))
	require.Equal(t, "x2", pull(t, b, "s", "x"))
}

func TestCreateTopicIdempotent(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	require.NoError(t, b.Publish(context.Background(), "x", "1"))
	require.NoError(t, b.CreateTopic("x"))
	require.NoError(t, b.Publish(context.Background(), "x", "2"))

	require.Equal(t, "1", pull(t, b, "s", "x"))
	require.Equal(t, "2", pull(t, b, "s", "x"))
}

func TestSubscribeIdempotent(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	require.NoError(t, b.Publish(context.Background(), "x", "1"))
	require.Eventually(t, func() bool {
		pending, err := b.Pending("s", "x")
		return err == nil && pending == 1
	}, testsupport.WaitTime, testsupport.Tick)

	// subscribing again neither resets the queue nor causes duplicate delivery
	require.True(t, b.Subscribe("s", "x"))
	require.NoError(t, b.Publish(context.Background(), "x", "2"))
	require.Equal(t, "1", pull(t, b, "s", "x"))
	require.Equal(t, "2", pull(t, b, "s", "x"))
	requireNothingToPull(t, b, "s", "x")
}

func TestUnknownIdentifiers(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.ErrorIs(t, b.Publish(context.Background(), "never", "a"), broker.ErrUnknownTopic)

	// subscribing to a topic that doesn't exist is silently ignored
	require.False(t, b.Subscribe("s", "never"))
	_, err := b.Pull(context.Background(), "s", "never")
	require.ErrorIs(t, err, broker.ErrUnknownSubscriber)

	require.NoError(t, b.CreateTopic("x"))
	require.NoError(t, b.CreateTopic("y"))
	require.True(t, b.Subscribe("s", "x"))
	_, err = b.Pull(context.Background(), "s", "y")
	require.ErrorIs(t, err, broker.ErrNotSubscribed)
	_, err = b.Pending("s", "y")
	require.ErrorIs(t, err, broker.ErrNotSubscribed)
	_, err = b.Pending("nobody", "x")
	require.ErrorIs(t, err, broker.ErrUnknownSubscriber)
}

func TestLateSubscriberOnlySeesLaterEvents(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("early", "x"))
	require.NoError(t, b.Publish(context.Background(), "x", "1"))
	require.Equal(t, "1", pull(t, b, "early", "x"))

	require.True(t, b.Subscribe("late", "x"))
	require.NoError(t, b.Publish(context.Background(), "x", "2"))
	require.Equal(t, "2", pull(t, b, "early", "x"))
	require.Equal(t, "2", pull(t, b, "late", "x"))
	requireNothingToPull(t, b, "late", "x")
}

func TestPublishDoesNotWaitForSubscribers(t *testing.T) {
	b := New[string](nil)
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("slow", "x"))

	start := time.Now()
	testsupport.PublishConcurrently[string](t, b, "x", testsupport.Strings("e", 10000))
	require.Less(t, time.Since(start), testsupport.WaitTime)

	require.Eventually(t, func() bool {
		pending, err := b.Pending("slow", "x")
		return err == nil && pending == 10000
	}, testsupport.WaitTime, testsupport.Tick)
}

func TestBoundedDropNewest(t *testing.T) {
	b := New[string](&Opts{SubscriberQueueSize: 2, Overflow: DropNewest})
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	for _, payload := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Publish(context.Background(), "x", payload))
	}
	waitForDispatch(t, b, "x")

	require.Equal(t, "1", pull(t, b, "s", "x"))
	require.Equal(t, "2", pull(t, b, "s", "x"))
	requireNothingToPull(t, b, "s", "x")
}

func TestBoundedDropOldest(t *testing.T) {
	b := New[string](&Opts{SubscriberQueueSize: 2, Overflow: DropOldest})
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	for _, payload := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Publish(context.Background(), "x", payload))
	}
	waitForDispatch(t, b, "x")

	require.Equal(t, "3", pull(t, b, "s", "x"))
	require.Equal(t, "4", pull(t, b, "s", "x"))
	requireNothingToPull(t, b, "s", "x")
}

func TestBoundedBlockHoldsUpDispatch(t *testing.T) {
	b := New[string](&Opts{SubscriberQueueSize: 1})
	defer testsupport.CloseBroker(t, b)

	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("slow", "x"))
	require.True(t, b.Subscribe("fast", "x"))
	for _, payload := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(context.Background(), "x", payload))
	}

	// nothing is lost, the dispatcher just waits for room
	for _, expected := range []string{"1", "2", "3"} {
		require.Equal(t, expected, pull(t, b, "fast", "x"))
		require.Equal(t, expected, pull(t, b, "slow", "x"))
	}
}

// waitForDispatch waits until the topic's dispatcher has taken everything off of its inbox and finished
// delivering it.
func waitForDispatch(t *testing.T, b *Broker[string], topicName string) {
	t.Helper()
	b.mx.RLock()
	topic := b.topics[topicName]
	b.mx.RUnlock()
	require.Eventually(t, func() bool {
		return topic.inbox.Len() == 0
	}, testsupport.WaitTime, testsupport.Tick)
	// the last event may still be in flight
	time.Sleep(50 * time.Millisecond)
}

func TestCloseDeliversPublishedEventsThenFails(t *testing.T) {
	b := New[string](nil)
	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), "x", fmt.Sprint(i)))
	}
	testsupport.CloseBroker(t, b)

	require.ErrorIs(t, b.Publish(context.Background(), "x", "late"), broker.ErrClosed)
	require.ErrorIs(t, b.CreateTopic("y"), broker.ErrClosed)
	require.False(t, b.Subscribe("s2", "x"))

	for i := 0; i < 100; i++ {
		require.Equal(t, fmt.Sprint(i), pull(t, b, "s", "x"))
	}
	_, err := b.Pull(context.Background(), "s", "x")
	require.ErrorIs(t, err, broker.ErrClosed)

	// closing again is a no-op
	testsupport.CloseBroker(t, b)
}

func TestCloseWakesBlockedPullers(t *testing.T) {
	b := New[string](nil)
	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))

	result := make(chan error)
	go func() {
		_, err := b.Pull(context.Background(), "s", "x")
		result <- err
	}()
	time.Sleep(25 * time.Millisecond)
	testsupport.CloseBroker(t, b)

	select {
	case err := <-result:
		require.ErrorIs(t, err, broker.ErrClosed)
	case <-time.After(testsupport.WaitTime):
		t.Fatal("blocked puller wasn't woken up by Close")
	}
}

func TestCloseTimesOutOnBlockedDispatcher(t *testing.T) {
	b := New[string](&Opts{SubscriberQueueSize: 1, Overflow: Block})
	require.NoError(t, b.CreateTopic("x"))
	require.True(t, b.Subscribe("s", "x"))
	for _, payload := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(context.Background(), "x", payload))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)

	require.Equal(t, "1", pull(t, b, "s", "x"))
	_, err := b.Pull(context.Background(), "s", "x")
	require.ErrorIs(t, err, broker.ErrClosed)
}
