// Package tracing wires OpenTelemetry tracing for the daemon. Tracing is
// opt-in: when tracing is not enabled in config, Tracer returns a no-op
// tracer and Shutdown is a no-op.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxagent/agentd/internal/config"
)

// Shutdown flushes and stops the tracer provider. It is returned by Init
// and must be called during daemon shutdown.
type Shutdown func(context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Init configures the global OTel tracer provider from cfg. When tracing is
// disabled it leaves the global no-op provider in place.
func Init(cfg config.TracingConfig) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns a tracer scoped to name. When tracing was never
// initialized (Init not called, or called with Enabled=false), this is the
// global no-op tracer.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
