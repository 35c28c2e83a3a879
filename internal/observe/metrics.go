// Package observe provides application-wide observability primitives for
// Voxwire: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FirstAudioToken tracks the latency from the final user transcript to
	// the first outbound synthesized audio chunk. The p50 ≤ 300 ms target
	// is evaluated against this histogram.
	FirstAudioToken metric.Float64Histogram

	// TurnDuration tracks end-to-end orchestrator turn latency.
	TurnDuration metric.Float64Histogram

	// RetrievalDuration tracks hybrid knowledge-base search latency.
	RetrievalDuration metric.Float64Histogram

	// ActionDuration tracks site-action dispatch latency.
	ActionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts inbound audio frames accepted from widgets.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound audio chunks sent to widgets.
	FramesOut metric.Int64Counter

	// FramesDropped counts frames discarded under backpressure or for
	// violating transport limits. Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// Turns counts completed orchestrator turns. Use with attributes:
	//   attribute.String("intent", ...), attribute.String("status", ...)
	Turns metric.Int64Counter

	// ToolCalls counts action executions. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts user interruptions of in-flight agent speech.
	BargeIns metric.Int64Counter

	// RateLimitRejections counts requests rejected by the limiter. Use with
	// attribute.String("scope", ...).
	RateLimitRejections metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts realtime-provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// --- Outbox counters ---

	// OutboxPublished counts records delivered to the event bus sink.
	OutboxPublished metric.Int64Counter

	// OutboxDeadLetters counts records parked after exhausting retries.
	OutboxDeadLetters metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FirstAudioToken, err = m.Float64Histogram("voxwire.first_audio_token.duration",
		metric.WithDescription("Latency from final user transcript to first outbound audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxwire.turn.duration",
		metric.WithDescription("End-to-end orchestrator turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("voxwire.retrieval.duration",
		metric.WithDescription("Hybrid knowledge-base search latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActionDuration, err = m.Float64Histogram("voxwire.action.duration",
		metric.WithDescription("Site-action dispatch latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("voxwire.frames.in",
		metric.WithDescription("Inbound audio frames accepted from widgets."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("voxwire.frames.out",
		metric.WithDescription("Outbound audio chunks sent to widgets."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxwire.frames.dropped",
		metric.WithDescription("Frames discarded under backpressure or transport limits, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxwire.turns",
		metric.WithDescription("Completed orchestrator turns by intent and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxwire.tool.calls",
		metric.WithDescription("Total action executions by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxwire.barge_ins",
		metric.WithDescription("User interruptions of in-flight agent speech."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitRejections, err = m.Int64Counter("voxwire.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the rate limiter, by scope."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxwire.provider.errors",
		metric.WithDescription("Realtime provider errors by provider and code."),
	); err != nil {
		return nil, err
	}

	// Outbox counters.
	if met.OutboxPublished, err = m.Int64Counter("voxwire.outbox.published",
		metric.WithDescription("Outbox records delivered to the event bus sink."),
	); err != nil {
		return nil, err
	}
	if met.OutboxDeadLetters, err = m.Int64Counter("voxwire.outbox.dead_letters",
		metric.WithDescription("Outbox records parked after exhausting their retry budget."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxwire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
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

// RecordFirstAudioToken records one final-transcript-to-first-audio latency
// sample.
func (m *Metrics) RecordFirstAudioToken(ctx context.Context, d time.Duration) {
	m.FirstAudioToken.Record(ctx, d.Seconds())
}

// RecordTurn records a completed turn with its duration.
func (m *Metrics) RecordTurn(ctx context.Context, intent, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordToolCall records an action execution counter increment with the
// standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDrop records a dropped frame with its reason.
func (m *Metrics) RecordFrameDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", code),
		),
	)
}

// RecordRateLimitRejection records a limiter rejection for the given scope.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context, scope string) {
	m.RateLimitRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scope", scope)),
	)
}
