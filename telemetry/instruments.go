package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncfloat64"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
)

// Counter is a monotonic int64 counter. If the underlying instrument couldn't be created, recording to it
// is a no-op.
type Counter struct {
	counter syncint64.Counter
}

// Histogram records a distribution of float64 values. If the underlying instrument couldn't be created,
// recording to it is a no-op.
type Histogram struct {
	histogram syncfloat64.Histogram
}

// NewCounter creates a Counter with the given name using the global meter for instrumentationName.
func NewCounter(instrumentationName string, name string, description string) *Counter {
	counter, err := global.Meter(instrumentationName).SyncInt64().Counter(name, instrument.WithDescription(description))
	if err != nil {
		log.Errorf("Unable to create counter %v, will not record it: %v", name, err)
		return &Counter{}
	}
	return &Counter{counter: counter}
}

// NewHistogram creates a Histogram with the given name using the global meter for instrumentationName.
func NewHistogram(instrumentationName string, name string, description string) *Histogram {
	histogram, err := global.Meter(instrumentationName).SyncFloat64().Histogram(name, instrument.WithDescription(description))
	if err != nil {
		log.Errorf("Unable to create histogram %v, will not record it: %v", name, err)
		return &Histogram{}
	}
	return &Histogram{histogram: histogram}
}

func (c *Counter) Add(ctx context.Context, incr int64, attrs ...attribute.KeyValue) {
	if c.counter != nil {
		c.counter.Add(ctx, incr, attrs...)
	}
}

func (h *Histogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	if h.histogram != nil {
		h.histogram.Record(ctx, value, attrs...)
	}
}

// Topic is the attribute used to tag measurements with the topic they relate to.
func Topic(topic string) attribute.KeyValue {
	return attribute.String("topic", topic)
}

// Bus is the attribute used to tag measurements with the name of the bus they relate to.
func Bus(name string) attribute.KeyValue {
	return attribute.String("bus", name)
}
