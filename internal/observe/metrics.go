// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-ai/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end scheduling-turn latency (all selected
	// personas within one turn).
	TurnDuration metric.Float64Histogram

	// LLMStreamDuration tracks a single persona invocation from request to
	// terminal event.
	LLMStreamDuration metric.Float64Histogram

	// IngestDuration tracks knowledge ingestion latency per source.
	IngestDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksStreamed counts text chunks forwarded to session event buses.
	ChunksStreamed metric.Int64Counter

	// AgentReplies counts persona replies. Use with attributes:
	//   attribute.String("persona", ...), attribute.String("status", ...)
	AgentReplies metric.Int64Counter

	// ToolCalls counts knowledge-tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live session bindings in the orchestrator.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks connected event-stream subscribers across
	// all sessions.
	ActiveSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM
// streams routinely run for tens of seconds, so the upper range is wide.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Latency of one full scheduling turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMStreamDuration, err = m.Float64Histogram("parley.llm.stream.duration",
		metric.WithDescription("Latency of one persona LLM invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IngestDuration, err = m.Float64Histogram("parley.rag.ingest.duration",
		metric.WithDescription("Latency of knowledge ingestion per source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksStreamed, err = m.Int64Counter("parley.llm.chunks",
		metric.WithDescription("Total streamed text chunks."),
	); err != nil {
		return nil, err
	}
	if met.AgentReplies, err = m.Int64Counter("parley.agent.replies",
		metric.WithDescription("Total persona replies by persona handle and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live session bindings."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("parley.active_subscribers",
		metric.WithDescription("Number of connected event-stream subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
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

// RecordAgentReply records one persona reply with the standard attribute
// set. status is "ok", "error" or "cancelled".
func (m *Metrics) RecordAgentReply(ctx context.Context, persona, status string) {
	m.AgentReplies.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("persona", persona),
			attribute.String("status", status),
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

// RecordChunk records one streamed text chunk.
func (m *Metrics) RecordChunk(ctx context.Context) {
	m.ChunksStreamed.Add(ctx, 1)
}
