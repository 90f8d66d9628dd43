// Package tracing wraps the processor's claim/execute/settle cycle in
// OpenTelemetry spans, exported over OTLP/HTTP.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide TracerProvider lifecycle so the daemon can
// flush pending spans on shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider configures an OTLP/HTTP exporter pointed at endpoint (empty
// uses the exporter's default, localhost:4318) and registers it globally.
// Callers that don't want tracing (tests, local runs) can pass an empty
// endpoint and still get a working no-op-shaped provider — spans are just
// dropped locally rather than shipped anywhere.
func NewProvider(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes any buffered spans and releases the exporter connection.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer from the globally registered provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
