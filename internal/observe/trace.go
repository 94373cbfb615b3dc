package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/murmur"

// Attribute keys carried by murmur spans and by the loggers derived from
// them.
const (
	AttrCommand    = attribute.Key("murmur.command")
	AttrModel      = attribute.Key("murmur.model.id")
	AttrSource     = attribute.Key("murmur.transcription.source")
	AttrGeneration = attribute.Key("murmur.session.generation")
	AttrPrompt     = attribute.Key("murmur.postprocess.prompt_id")
	AttrProvider   = attribute.Key("murmur.llm.provider")
	AttrTool       = attribute.Key("murmur.tool.name")

	attrCancelled = attribute.Key("murmur.cancelled")
)

// Tracer returns the murmur tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

type logAttrsKey struct{}

// StartSpan starts a span named name with attrs. The attributes are also
// attached to every [Logger] derived from the returned context, so log lines
// of one recording or command can be correlated without a trace backend.
// The caller ends the span, normally through [EndSpan].
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	if len(attrs) > 0 {
		ctx = withLogAttrs(ctx, attrs)
	}
	return ctx, span
}

// Annotate adds attrs to the span in ctx and to loggers derived from the
// returned context. Use it for values only known after StartSpan, such as
// the model that served a transcription.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
	return withLogAttrs(ctx, attrs)
}

func withLogAttrs(ctx context.Context, attrs []attribute.KeyValue) context.Context {
	prev, _ := ctx.Value(logAttrsKey{}).([]any)
	out := make([]any, len(prev), len(prev)+len(attrs))
	copy(out, prev)
	for _, kv := range attrs {
		out = append(out, slog.Any(string(kv.Key), kv.Value.AsInterface()))
	}
	return context.WithValue(ctx, logAttrsKey{}, out)
}

// EndSpan ends span, marking it failed when err is non-nil. Cancellation is
// recorded as an attribute rather than an error: the user aborting a
// recording or download is not a fault.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.SetAttributes(attrCancelled.Bool(true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with the trace and span IDs of ctx and
// the attributes given to [StartSpan] and [Annotate] along the way.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if attrs, ok := ctx.Value(logAttrsKey{}).([]any); ok && len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}
