package monitor

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"luau-runner/internal/config"
)

// SetupTracing installs a global TracerProvider that samples cfg.Sample of
// root spans and writes finished spans to the debug log. It returns the
// provider's shutdown function. With tracing disabled the global no-op
// provider is left in place.
func SetupTracing(cfg config.TracingConfig) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}
	tp := newTracerProvider(cfg.Sample, logExporter{})
	otel.SetTracerProvider(tp)
	log.Info().Float64("sample_rate", cfg.Sample).Msg("tracing enabled")
	return tp.Shutdown
}

func newTracerProvider(sample float64, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sample))),
		sdktrace.WithBatcher(exp),
	)
}

// logExporter writes each span as one zerolog event.
type logExporter struct{}

func (logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := log.Debug().
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Str("span", s.Name()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Str("status", s.Status().Code.String())
		for _, kv := range s.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		ev.Msg("span")
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }
