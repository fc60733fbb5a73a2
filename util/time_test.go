package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMillis(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, Millis(500))
	require.Equal(t, 1500*time.Microsecond, Millis(1.5))
	require.Equal(t, 2.5, ToMillis(2500*time.Microsecond))
}

func TestSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, Sleep(context.Background(), 0))
}

func TestSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}
