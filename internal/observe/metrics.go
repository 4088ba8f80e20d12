// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// *Metrics satisfies the small Counters interfaces declared by the capture,
// playback, live and translate packages, so it can be handed to each of them
// directly.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts fixed-size frames emitted by the microphone
	// recorder.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts frames discarded because the consumer fell
	// behind.
	CaptureDropped metric.Int64Counter

	// --- Session ---

	// FramesSent counts audio frames forwarded upstream.
	FramesSent metric.Int64Counter

	// FramesUngated counts captured frames discarded because the handshake
	// had not completed or the session was closing.
	FramesUngated metric.Int64Counter

	// ProtocolErrors counts inbound messages that could not be handled.
	ProtocolErrors metric.Int64Counter

	// HandshakeDuration tracks the time from dial to SetupComplete.
	HandshakeDuration metric.Float64Histogram

	// ActiveSessions tracks the number of open live connections.
	ActiveSessions metric.Int64UpDownCounter

	// --- Playback ---

	// PlaybackChunks counts audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackCatchUps counts how often the playback cursor had fallen
	// behind the device clock and was moved forward.
	PlaybackCatchUps metric.Int64Counter

	// --- Translate ---

	// TranslateDuration tracks translation request latency. Use with
	// attribute:
	//   attribute.String("status", ...)
	TranslateDuration metric.Float64Histogram

	// TranslateRetries counts rate-limited translation attempts that were
	// retried.
	TranslateRetries metric.Int64Counter

	// --- Provider ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// network round-trips to realtime and text model APIs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("livevoice.capture.frames",
		metric.WithDescription("Total microphone frames emitted."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("livevoice.capture.dropped",
		metric.WithDescription("Total microphone frames dropped on a full queue."),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.FramesSent, err = m.Int64Counter("livevoice.session.frames_sent",
		metric.WithDescription("Total audio frames sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.FramesUngated, err = m.Int64Counter("livevoice.session.frames_ungated",
		metric.WithDescription("Total audio frames discarded before the handshake completed."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("livevoice.session.protocol_errors",
		metric.WithDescription("Total inbound messages that could not be handled."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("livevoice.session.handshake.duration",
		metric.WithDescription("Time from dial to setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.session.active",
		metric.WithDescription("Number of open live connections."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("livevoice.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCatchUps, err = m.Int64Counter("livevoice.playback.catchups",
		metric.WithDescription("Total times the playback cursor was moved to the device clock."),
	); err != nil {
		return nil, err
	}

	// Translate.
	if met.TranslateDuration, err = m.Float64Histogram("livevoice.translate.duration",
		metric.WithDescription("Latency of text translation requests by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateRetries, err = m.Int64Counter("livevoice.translate.retries",
		metric.WithDescription("Total rate-limited translation attempts that were retried."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("livevoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
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
// pointer. Panics if instrument creation fails.
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

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// ── Counter sinks ────────────────────────────────────────────────────────────
//
// The audio and session packages cannot import internal/, so they declare
// the counters they need and *Metrics implements them here. These callbacks
// run on hot paths without a request context.

// FrameEmitted implements capture.Counters.
func (m *Metrics) FrameEmitted() { m.CaptureFrames.Add(context.Background(), 1) }

// FrameDropped implements capture.Counters.
func (m *Metrics) FrameDropped() { m.CaptureDropped.Add(context.Background(), 1) }

// ChunkScheduled implements playback.Counters.
func (m *Metrics) ChunkScheduled() { m.PlaybackChunks.Add(context.Background(), 1) }

// CursorCaughtUp implements playback.Counters.
func (m *Metrics) CursorCaughtUp() { m.PlaybackCatchUps.Add(context.Background(), 1) }

// FrameSent implements live.Counters.
func (m *Metrics) FrameSent() { m.FramesSent.Add(context.Background(), 1) }

// FrameUngated implements live.Counters.
func (m *Metrics) FrameUngated() { m.FramesUngated.Add(context.Background(), 1) }

// ProtocolError implements live.Counters.
func (m *Metrics) ProtocolError() { m.ProtocolErrors.Add(context.Background(), 1) }

// HandshakeCompleted implements live.Counters.
func (m *Metrics) HandshakeCompleted(d time.Duration) {
	m.HandshakeDuration.Record(context.Background(), d.Seconds())
}

// SessionActive implements live.Counters.
func (m *Metrics) SessionActive(delta int64) {
	m.ActiveSessions.Add(context.Background(), delta)
}

// TranslateCompleted implements translate.Counters.
func (m *Metrics) TranslateCompleted(d time.Duration, status string) {
	m.TranslateDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// TranslateRetried implements translate.Counters.
func (m *Metrics) TranslateRetried() { m.TranslateRetries.Add(context.Background(), 1) }
