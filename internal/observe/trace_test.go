package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartSpan_CarriesAttributes(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "command.set_active_model", AttrCommand.String("set_active_model"))
	ctx = Annotate(ctx, AttrModel.String("turbo"))
	if CorrelationID(ctx) == "" {
		t.Error("span has no trace ID")
	}
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for key, want := range map[attribute.Key]string{AttrCommand: "set_active_model", AttrModel: "turbo"} {
		if v, ok := spanAttr(spans[0], key); !ok || v.AsString() != want {
			t.Errorf("%s = %v, want %q", key, v.AsString(), want)
		}
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    codes.Code
		wantCancelled bool
	}{
		{"success", nil, codes.Unset, false},
		{"failure", errors.New("decoding failed"), codes.Error, false},
		{"cancelled", fmt.Errorf("download: %w", context.Canceled), codes.Unset, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTracer(t)
			_, span := StartSpan(context.Background(), "models.download", AttrModel.String("small"))
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if got := spans[0].Status.Code; got != tt.wantStatus {
				t.Errorf("status = %v, want %v", got, tt.wantStatus)
			}
			if _, ok := spanAttr(spans[0], attrCancelled); ok != tt.wantCancelled {
				t.Errorf("cancelled attribute present = %v, want %v", ok, tt.wantCancelled)
			}
		})
	}
}

func TestLogger_IncludesSpanAttributes(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "session.pipeline", AttrGeneration.Int64(7))
	defer span.End()
	ctx = Annotate(ctx, AttrModel.String("small"))
	Logger(ctx).Info("recording transcribed")

	logged := buf.String()
	for _, want := range []string{"trace_id=", "span_id=", "murmur.session.generation=7", "murmur.model.id=small"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log line missing %q: %s", want, logged)
		}
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("idle")

	if logged := buf.String(); strings.Contains(logged, "trace_id") || strings.Contains(logged, "murmur.") {
		t.Errorf("log line should carry no trace fields: %s", logged)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}
