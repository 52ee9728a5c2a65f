package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.18.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracerName = "catalyst"
var tracerNameOnce sync.Once

// InitTracer installs the global tracer provider. Without an endpoint, or with a
// zero sampling probability, spans are discarded.
func InitTracer(serviceName, endpoint string, probability float64) (func(context.Context), error) {
	tracerNameOnce.Do(func() {
		tracerName = serviceName
	})

	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}

	if endpoint == "" || probability == 0 {
		otel.SetTracerProvider(oteltrace.NewNoopTracerProvider())
		return func(context.Context) {}, nil
	}

	provider, err := startTracing(serviceName, endpoint, probability)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) {
		if err := provider.Shutdown(ctx); err != nil {
			//nolint:forbidigo
			fmt.Printf("failed to shutdown tracer: %v\n", err)
		}
	}, nil
}

// NewSpan starts a span named after the operation.
// Don't forget to defer span.End and use the newly provided context.
func NewSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

func startTracing(serviceName, endpoint string, probability float64) (*trace.TracerProvider, error) {
	ctx := context.Background()
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(endpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating new exporter: %w", err)
	}

	resources, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resources: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(probability))),
		trace.WithBatcher(exporter),
		trace.WithResource(resources),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider, nil
}
