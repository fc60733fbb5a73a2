// telemetry bootstraps opentelemetry tracing and metrics for the brokers and provides nil-safe wrappers
// around the metric instruments they record to.
package telemetry

import (
	"context"
	"time"

	"github.com/lightstep/otel-launcher-go/launcher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc/credentials"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/ops"
)

const (
	honeycombEndpoint = "api.honeycomb.io:443"
)

var (
	log = golog.LoggerFor("telemetry")
)

type Opts struct {
	// The service name reported with traces and metrics, defaults to "eventbus"
	ServiceName string
	// If set, traces and metrics are reported to Lightstep using this access token
	LightstepKey string
	// If set (and LightstepKey isn't), traces are reported to Honeycomb using this API key
	HoneycombKey string
	// How frequently to report metrics to Lightstep, defaults to 1 second
	MetricReportingPeriod time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.ServiceName == "" {
		opts.ServiceName = "eventbus"
		log.Debugf("Defaulted ServiceName to: %v", opts.ServiceName)
	}
	if opts.MetricReportingPeriod <= 0 {
		opts.MetricReportingPeriod = 1 * time.Second
		log.Debugf("Defaulted MetricReportingPeriod to: %v", opts.MetricReportingPeriod)
	}
}

// Start configures opentelemetry for collecting metrics and traces, and returns
// a function to shut down telemetry collection.
func Start(opts *Opts) func() {
	opts.ApplyDefaults()

	if opts.LightstepKey != "" {
		log.Debug("Will report traces and metrics to Lightstep")
		ls := launcher.ConfigureOpentelemetry(
			launcher.WithServiceName(opts.ServiceName),
			launcher.WithMetricReportingPeriod(opts.MetricReportingPeriod),
			launcher.WithAccessToken(opts.LightstepKey),
		)
		ops.EnableOpenTelemetry(opts.ServiceName)
		return func() { ls.Shutdown() }
	}

	if opts.HoneycombKey != "" {
		tp, err := honeycombTracerProvider(opts.ServiceName, opts.HoneycombKey)
		if err != nil {
			log.Errorf("Unable to initialize Honeycomb, will not report traces: %v", err)
			return func() {}
		}

		// Configure OTEL tracing to use the above TracerProvider
		otel.SetTracerProvider(tp)
		ops.EnableOpenTelemetry(opts.ServiceName)
		return func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Errorf("Error shutting down tracer provider: %v", err)
			}
		}
	}

	log.Debug("No Lightstep or Honeycomb key configured, will not report traces and metrics")
	return func() {}
}

func honeycombTracerProvider(serviceName string, honeycombKey string) (*sdktrace.TracerProvider, error) {
	// Create gRPC client to talk to Honeycomb's OTEL collector
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(honeycombEndpoint),
		otlptracegrpc.WithHeaders(map[string]string{
			"x-honeycomb-team": honeycombKey,
		}),
		otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
	)

	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, errors.New("unable to create otlp trace exporter: %v", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	), nil
}
