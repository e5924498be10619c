package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "luau-runner"

// Tracer wraps OpenTelemetry tracing for the playground.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return NewTracerFrom(otel.GetTracerProvider())
}

// NewTracerFrom uses an explicit provider.
func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(tracerName),
	}
}

// StartSpan creates a new span named "playground.<name>".
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("playground.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

var (
	AttrExecID     = attribute.Key("playground.execution.id")
	AttrSessionID  = attribute.Key("playground.session.id")
	AttrMode       = attribute.Key("playground.mode")
	AttrCodeHash   = attribute.Key("playground.code_hash")
	AttrExitCode   = attribute.Key("playground.exit_code")
	AttrStatus     = attribute.Key("playground.status")
	AttrDurationMS = attribute.Key("playground.duration_ms")
)
