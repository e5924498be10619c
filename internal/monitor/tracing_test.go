package monitor

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"luau-runner/internal/config"
)

// recordingExporter keeps every exported span name.
type recordingExporter struct {
	mu    sync.Mutex
	names []string
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range spans {
		e.names = append(e.names, s.Name())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error { return nil }

func TestTracerProvider_SampleRate(t *testing.T) {
	tests := []struct {
		name        string
		sample      float64
		wantSampled bool
	}{
		{"always", 1, true},
		{"never", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &recordingExporter{}
			tp := newTracerProvider(tt.sample, exp)
			tracer := NewTracerFrom(tp)

			_, span := tracer.StartSpan(context.Background(), "submit", AttrMode.String("embedded"))
			sampled := span.SpanContext().IsSampled()
			span.End()

			if err := tp.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}
			if sampled != tt.wantSampled {
				t.Errorf("IsSampled = %v, want %v", sampled, tt.wantSampled)
			}
			exported := len(exp.names) == 1 && exp.names[0] == "playground.submit"
			if exported != tt.wantSampled {
				t.Errorf("exported spans = %q, wantSampled %v", exp.names, tt.wantSampled)
			}
		})
	}
}

func TestSetupTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown := SetupTracing(config.TracingConfig{Enabled: false, Sample: 1})
	if otel.GetTracerProvider() != prev {
		t.Error("disabled tracing replaced the global provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown: %v", err)
	}

	shutdown = SetupTracing(config.TracingConfig{Enabled: true, Sample: 1})
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	_, span := NewTracer().StartSpan(context.Background(), "run")
	if !span.SpanContext().IsSampled() {
		t.Error("span from the installed provider is not sampled")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
