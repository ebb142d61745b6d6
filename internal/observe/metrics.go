// Package observe provides application-wide observability primitives for the
// bridge: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/caavoice/evibridge"

// Direction attribute values for frame and byte counters.
const (
	DirectionInbound  = "inbound"  // caller to engine
	DirectionOutbound = "outbound" // engine to caller
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks full call session length, from accepted stream
	// to closed.
	SessionDuration metric.Float64Histogram

	// EngineConnectDuration tracks engine WebSocket connect latency,
	// including the session settings handshake.
	EngineConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesForwarded counts audio frames carried across the bridge. Use with:
	//   attribute.String("direction", DirectionInbound|DirectionOutbound)
	FramesForwarded metric.Int64Counter

	// FrameErrors counts dropped or fatal frames. Use with:
	//   attribute.String("kind", "unknown_frame"|"malformed_audio"|"protocol_violation")
	FrameErrors metric.Int64Counter

	// BackpressureDrops counts playout bytes discarded because the outbound
	// buffer exceeded its budget.
	BackpressureDrops metric.Int64Counter

	// Interruptions counts caller barge-ins reported by the engine.
	Interruptions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live bridged calls.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection handshakes and HTTP requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) optimised
// for phone call durations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("evibridge.session.duration",
		metric.WithDescription("Duration of bridged call sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineConnectDuration, err = m.Float64Histogram("evibridge.engine.connect.duration",
		metric.WithDescription("Latency of engine session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("evibridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("evibridge.frames.forwarded",
		metric.WithDescription("Total audio frames forwarded by direction."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("evibridge.frames.errors",
		metric.WithDescription("Total frames dropped or rejected by kind."),
	); err != nil {
		return nil, err
	}
	if met.BackpressureDrops, err = m.Int64Counter("evibridge.backpressure.dropped_bytes",
		metric.WithDescription("Playout audio bytes discarded under backpressure."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("evibridge.interruptions",
		metric.WithDescription("Caller barge-ins reported by the engine."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("evibridge.active_sessions",
		metric.WithDescription("Number of live bridged calls."),
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

// RecordFrame records one forwarded audio frame in the given direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordFrameError records one dropped or rejected frame.
func (m *Metrics) RecordFrameError(ctx context.Context, kind string) {
	m.FrameErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBackpressureDrop records playout bytes discarded under backpressure.
func (m *Metrics) RecordBackpressureDrop(ctx context.Context, bytes int) {
	m.BackpressureDrops.Add(ctx, int64(bytes))
}

// RecordInterruption records one caller barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	m.Interruptions.Add(ctx, 1)
}
