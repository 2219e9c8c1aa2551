// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Option customizes the tracer provider.
type Option func(*options)

type options struct {
	sampleRatio float64
	processors  []sdktrace.SpanProcessor
}

// WithSampleRatio sets the fraction of root spans that are recorded.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) {
		o.sampleRatio = ratio
	}
}

// WithSpanProcessor attaches an exporter pipeline, e.g. a batcher or an
// in-memory recorder in tests.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) {
		o.processors = append(o.processors, sp)
	}
}

// InitTracerProvider initializes the global trace provider. Without a span
// processor spans are sampled and dropped, which still propagates trace context.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...Option) (*sdktrace.TracerProvider, error) {
	o := options{sampleRatio: 1}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.sampleRatio))),
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
