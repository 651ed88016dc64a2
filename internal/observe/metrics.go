// Package observe provides application-wide observability primitives for
// xenobot: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all xenobot metrics.
const meterName = "github.com/MrWong99/xenobot"

// Utterance outcomes used with [Metrics.RecordUtterance].
const (
	UtteranceCommitted = "committed"
	UtteranceDiscarded = "discarded"
	UtteranceAborted   = "aborted"
)

// Transcoder directions used with [Metrics.RecordTranscoderError].
const (
	DirectionCapture  = "capture"
	DirectionPlayback = "playback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseLatency tracks the time from committing an utterance to the
	// first response audio fragment.
	ResponseLatency metric.Float64Histogram

	// UtteranceDuration tracks the audio length of committed utterances.
	UtteranceDuration metric.Float64Histogram

	// ChatDuration tracks mention chat completion latency.
	ChatDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finished captures. Use with attribute:
	//   attribute.String("status", "committed"|"discarded"|"aborted")
	Utterances metric.Int64Counter

	// BargeIns counts playback cancellations caused by a new speaker.
	BargeIns metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Commands counts slash command invocations. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	Commands metric.Int64Counter

	// --- Error counters ---

	// TranscoderErrors counts aborted transcoder streams. Use with attribute:
	//   attribute.String("direction", "capture"|"playback")
	TranscoderErrors metric.Int64Counter

	// ProtocolErrors counts error events reported by the realtime service.
	// Use with attribute: attribute.String("code", ...)
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of participants currently captured.
	ActiveSpeakers metric.Int64UpDownCounter

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

// utteranceBuckets covers spoken utterances from a short word to a monologue.
var utteranceBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseLatency, err = m.Float64Histogram("xenobot.relay.response.latency",
		metric.WithDescription("Time from utterance commit to first response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("xenobot.relay.utterance.duration",
		metric.WithDescription("Audio length of committed utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("xenobot.chat.duration",
		metric.WithDescription("Latency of mention chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("xenobot.relay.utterances",
		metric.WithDescription("Finished captures by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("xenobot.relay.barge_ins",
		metric.WithDescription("Playback cancellations caused by a new speaker."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("xenobot.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("xenobot.commands",
		metric.WithDescription("Slash command invocations by command and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscoderErrors, err = m.Int64Counter("xenobot.relay.transcoder.errors",
		metric.WithDescription("Aborted transcoder streams by direction."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("xenobot.relay.protocol.errors",
		metric.WithDescription("Error events reported by the realtime service."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("xenobot.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("xenobot.active_speakers",
		metric.WithDescription("Number of participants currently being captured."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("xenobot.http.request.duration",
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

// RecordUtterance records one finished capture with its outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBargeIn records one playback cancellation.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordTranscoderError records one aborted transcoder stream.
func (m *Metrics) RecordTranscoderError(ctx context.Context, direction string) {
	m.TranscoderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordProtocolError records one service error event.
func (m *Metrics) RecordProtocolError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordCommand records one slash command invocation.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}
