// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// chat rounds.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/threadline/pkg/chat"

// TracerProvider owns the SDK provider installed as the global one.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// TracingOptions configures NewTracerProvider.
type TracingOptions struct {
	ServiceName string
	Version     string
	// Writer receives exported spans. Nil means stdout.
	Writer io.Writer
	// SampleRatio in [0,1]; 0 samples everything.
	SampleRatio float64
}

// NewTracerProvider creates a provider exporting spans as JSON and installs
// it globally.
func NewTracerProvider(opts TracingOptions) (*TracerProvider, error) {
	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Writer != nil {
		exporterOpts = []stdouttrace.Option{stdouttrace.WithWriter(opts.Writer)}
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(opts.SampleRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the chat tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the chat tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on the span in ctx.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// Span attribute keys.
var (
	AttrThreadID  = attribute.Key("threadline.thread.id")
	AttrStreamID  = attribute.Key("threadline.stream.id")
	AttrModel     = attribute.Key("threadline.model")
	AttrToolUse   = attribute.Key("threadline.tool_use")
	AttrIteration = attribute.Key("threadline.tool.iteration")
	AttrChunks    = attribute.Key("threadline.stream.chunks")
	AttrOutcome   = attribute.Key("threadline.round.outcome")
)
