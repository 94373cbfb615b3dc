// Package observe provides application-wide observability primitives for
// murmur: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the local bridge can
// serve /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// STTDuration tracks model inference latency per utterance.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks post-processing completion latency.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// ModelLoadDuration tracks how long loading a model into memory takes.
	ModelLoadDuration metric.Float64Histogram

	// ProviderRequests counts LLM API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Transcriptions counts finished transcriptions. Use with attributes:
	//   attribute.String("source", "recording"|"file"|"retranscribe"), attribute.String("status", ...)
	Transcriptions metric.Int64Counter

	// PostProcessFallbacks counts post-processing runs that returned the
	// original transcript. Use with attribute attribute.String("reason", ...).
	PostProcessFallbacks metric.Int64Counter

	// BreakerTransitions counts state changes of post-processing backend
	// breakers. Use with attributes attribute.String("provider", ...),
	// attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// DroppedFrames counts capture frames discarded by the bounded queue.
	DroppedFrames metric.Int64Counter

	// DownloadBytes counts bytes received while downloading models.
	DownloadBytes metric.Int64Counter

	// RecordingActive is 1 while a recording is in progress.
	RecordingActive metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Large
// models on CPU take tens of seconds for long utterances.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "murmur.stt.duration", "Latency of speech model inference."},
		{&met.LLMDuration, "murmur.llm.duration", "Latency of post-processing LLM calls."},
		{&met.ToolExecutionDuration, "murmur.tool_execution.duration", "Latency of tool execution."},
		{&met.ModelLoadDuration, "murmur.model_load.duration", "Time spent loading a speech model."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.ProviderRequests, "murmur.provider.requests", "Total LLM provider requests by provider, kind, and status.", ""},
		{&met.ProviderErrors, "murmur.provider.errors", "Total provider errors by provider and kind.", ""},
		{&met.ToolCalls, "murmur.tool.calls", "Total tool invocations by tool name and status.", ""},
		{&met.Transcriptions, "murmur.transcriptions", "Total transcriptions by source and status.", ""},
		{&met.PostProcessFallbacks, "murmur.postprocess.fallbacks", "Post-processing runs that fell back to the original transcript.", ""},
		{&met.BreakerTransitions, "murmur.postprocess.breaker_transitions", "State changes of post-processing backend breakers.", ""},
		{&met.DroppedFrames, "murmur.audio.dropped_frames", "Capture frames dropped because the queue was full.", ""},
		{&met.DownloadBytes, "murmur.model.download_bytes", "Bytes received while downloading models.", "By"},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	if met.RecordingActive, err = m.Int64UpDownCounter("murmur.recording.active",
		metric.WithDescription("1 while a recording is in progress."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTranscription counts one finished transcription.
func (m *Metrics) RecordTranscription(ctx context.Context, source, status string) {
	m.Transcriptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordPostProcessFallback counts one fallback to the original transcript.
func (m *Metrics) RecordPostProcessFallback(ctx context.Context, reason string) {
	m.PostProcessFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts one breaker state change of provider.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("to", to),
	))
}
