// Package telemetry wires an OpenTelemetry tracer for the Queue Processor,
// Agent Responder, and LLM call spans. Ambient and off by default: with no
// OTEL_EXPORTER_OTLP_ENDPOINT set, Init installs otel's no-op tracer
// provider and callers get a tracer that costs nothing. Grounded on
// intelligencedev-manifold's internal/observability/otel.go, trimmed to
// traces only since metrics are outside this system's scope.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/agentworld/orchestrator"

// Shutdown flushes and releases whatever tracer provider Init installed. A
// no-op when tracing was never enabled.
type Shutdown func(context.Context) error

// Init installs a tracer provider for serviceVersion. When endpoint is
// empty, it installs otel's built-in no-op provider and returns a no-op
// Shutdown; every span created afterward is discarded at negligible cost.
// Otherwise it exports spans over OTLP/HTTP to endpoint.
func Init(ctx context.Context, endpoint, serviceVersion string) (Shutdown, error) {
	if endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName("agent-world-orchestrator"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the process-wide tracer for span creation.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
