// Package observe provides application-wide observability primitives for
// voicelink: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Frame directions used as the "direction" attribute.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Speaker sources used as the "source" attribute.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesSent counts outbound frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound binary frames.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames that were discarded. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// BytesTransferred counts payload bytes. Use with attribute:
	//   attribute.String("direction", ...)
	BytesTransferred metric.Int64Counter

	// --- Playback ---

	// PlaybackQueueDepth reports the number of buffers waiting to play.
	PlaybackQueueDepth metric.Int64Gauge

	// PlaybackActive is 1 while inbound audio is playing and 0 otherwise.
	PlaybackActive metric.Int64Gauge

	// PlaybackBufferDuration tracks the audio length of each played buffer.
	PlaybackBufferDuration metric.Float64Histogram

	// --- State transitions ---

	// TransportTransitions counts connection state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TransportTransitions metric.Int64Counter

	// TransportErrors counts transport failures reported to the error handler.
	TransportErrors metric.Int64Counter

	// SpeakingTransitions counts VAD state changes. Use with attributes:
	//   attribute.String("source", ...), attribute.String("state", ...)
	SpeakingTransitions metric.Int64Counter

	// ConnectDuration tracks how long the opening handshake took.
	ConnectDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// bufferBuckets defines histogram bucket boundaries (in seconds) for the
// duration of inbound audio buffers.
var bufferBuckets = []float64{
	0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Frame counters.
	if met.FramesSent, err = m.Int64Counter("voicelink.frames.sent",
		metric.WithDescription("Outbound audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voicelink.frames.received",
		metric.WithDescription("Inbound binary audio frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicelink.frames.dropped",
		metric.WithDescription("Discarded audio frames by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesTransferred, err = m.Int64Counter("voicelink.bytes",
		metric.WithDescription("Audio payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackQueueDepth, err = m.Int64Gauge("voicelink.playback.queue_depth",
		metric.WithDescription("Buffers waiting for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackActive, err = m.Int64Gauge("voicelink.playback.active",
		metric.WithDescription("1 while inbound audio is playing."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBufferDuration, err = m.Float64Histogram("voicelink.playback.buffer.duration",
		metric.WithDescription("Audio length of played buffers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bufferBuckets...),
	); err != nil {
		return nil, err
	}

	// State transitions.
	if met.TransportTransitions, err = m.Int64Counter("voicelink.transport.transitions",
		metric.WithDescription("Connection state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicelink.transport.errors",
		metric.WithDescription("Transport failures."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingTransitions, err = m.Int64Counter("voicelink.vad.transitions",
		metric.WithDescription("Speaking state transitions by source and state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voicelink.transport.connect.duration",
		metric.WithDescription("Latency of the opening handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
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

// RecordFrameDropped records a dropped frame with the standard attribute set.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordBytes adds n payload bytes for the given direction.
func (m *Metrics) RecordBytes(ctx context.Context, direction string, n int) {
	m.BytesTransferred.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordTransportTransition records a connection state change.
func (m *Metrics) RecordTransportTransition(ctx context.Context, from, to string) {
	m.TransportTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSpeaking records a speaking state change for the local or remote side.
func (m *Metrics) RecordSpeaking(ctx context.Context, source, state string) {
	m.SpeakingTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("state", state),
		),
	)
}
