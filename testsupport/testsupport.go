// testsupport provides helpers shared by the broker tests.
package testsupport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/eventbus/broker"
)

const (
	// WaitTime bounds how long tests wait for asynchronous delivery
	WaitTime = 5 * time.Second
	// Tick is how frequently tests poll while waiting
	Tick = 5 * time.Millisecond
)

// Counter counts the events handled by the Handler it hands out.
type Counter struct {
	count int64
}

// Handler returns a broker.Handler that increments the Counter for every payload.
func Handler[T any](c *Counter) broker.Handler[T] {
	return func(payload T) error {
		atomic.AddInt64(&c.count, 1)
		return nil
	}
}

// Count returns the number of events counted so far.
func (c *Counter) Count() int64 {
	return atomic.LoadInt64(&c.count)
}

// RequireCount waits up to WaitTime for the Counter to reach expected and then verifies that it doesn't
// overshoot.
func RequireCount(t *testing.T, c *Counter, expected int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Count() >= expected
	}, WaitTime, Tick, "expected %d events, counted %d", expected, c.Count())
	time.Sleep(10 * Tick)
	require.Equal(t, expected, c.Count())
}

// PublishConcurrently publishes each of the payloads to topic from its own goroutine, failing the test if
// any publish fails.
func PublishConcurrently[T any](t *testing.T, pub broker.Publisher[T], topic string, payloads []T) {
	t.Helper()
	var wg sync.WaitGroup
	for _, payload := range payloads {
		wg.Add(1)
		go func(payload T) {
			defer wg.Done()
			assert.NoError(t, pub.Publish(context.Background(), topic, payload))
		}(payload)
	}
	wg.Wait()
}

// Strings returns n distinct payloads of the form prefix0, prefix1, ...
func Strings(prefix string, n int) []string {
	result := make([]string, 0, n)
	for i := 0; i < n; i++ {
		result = append(result, prefix+strconv.Itoa(i))
	}
	return result
}

// CloseBroker closes the given broker, failing the test if it can't be closed within WaitTime.
func CloseBroker(t *testing.T, b broker.Closer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitTime)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}
