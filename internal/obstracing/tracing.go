// Package obstracing sets up an OpenTelemetry TracerProvider for
// cmd/se-gateway, following the teacher's go.mod otel wiring intent (it
// carried the otel/sdk, stdouttrace, otlptracegrpc, and jaeger dependencies
// without a retrieved file that exercised them). The tracer it returns
// wraps the gateway's flush and read calls so exemplars recorded by
// internal/obsmetrics have a real span to point at.
package obstracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ExporterKind selects which span exporter Setup wires into the provider.
type ExporterKind string

const (
	// ExporterStdout writes spans as JSON to stdout, useful for local runs.
	ExporterStdout ExporterKind = "stdout"
	// ExporterOTLP ships spans to an OTLP/gRPC collector endpoint.
	ExporterOTLP ExporterKind = "otlp"
	// ExporterJaeger ships spans directly to a Jaeger collector endpoint.
	ExporterJaeger ExporterKind = "jaeger"
	// ExporterNone disables tracing; Setup returns a no-op tracer.
	ExporterNone ExporterKind = "none"
)

// Config configures Setup.
type Config struct {
	Kind        ExporterKind
	ServiceName string
	Endpoint    string // collector endpoint for ExporterOTLP/ExporterJaeger
}

// Setup builds a TracerProvider per cfg and registers it as the global
// provider, returning a shutdown func the caller must run before exit so
// buffered spans are flushed.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, func(context.Context) error, error) {
	if cfg.Kind == "" || cfg.Kind == ExporterNone {
		return otel.Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("obstracing: new exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("obstracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Tracer(cfg.ServiceName), provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Kind {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	case ExporterJaeger:
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	default:
		return nil, fmt.Errorf("obstracing: unknown exporter kind %q", cfg.Kind)
	}
}
