package util

import (
	"context"
	"time"
)

const (
	nanosPerMilli = 1000000
)

// Millis converts a possibly fractional number of milliseconds into a Duration
func Millis(millis float64) time.Duration {
	return time.Duration(millis * nanosPerMilli)
}

// ToMillis gives the given duration as fractional milliseconds
func ToMillis(d time.Duration) float64 {
	return float64(d) / nanosPerMilli
}

// Sleep sleeps for the given duration, returning early with ctx.Err() if ctx is done first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
