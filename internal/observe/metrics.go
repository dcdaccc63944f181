// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics and tracing, a Prometheus scrape handler, trace-aware
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter set up by [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] and a manual reader to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
type Metrics struct {
	// ActiveCalls tracks telephony connections with an attached session.
	ActiveCalls metric.Int64UpDownCounter

	// Frames counts telephony frames. Attributes: direction (in|out), event.
	Frames metric.Int64Counter

	// FramesDropped counts frames that never reached the realtime leg.
	// Attributes: reason (leg_not_ready|no_stream|malformed|decode).
	FramesDropped metric.Int64Counter

	// Segments counts finalized segments. Attributes: role, reason.
	Segments metric.Int64Counter

	// Uploads counts finished dispatcher jobs. Attributes: concern, status
	// (ok|duplicate|failed).
	Uploads metric.Int64Counter

	// UploadAttempts counts individual HTTP attempts made by the dispatcher.
	// Attributes: concern.
	UploadAttempts metric.Int64Counter

	// BargeIns counts barge-in events.
	BargeIns metric.Int64Counter

	// BackendDuration tracks backend request latency. Attributes: endpoint,
	// status.
	BackendDuration metric.Float64Histogram

	// RealtimeErrors counts realtime leg failures. Attributes: kind
	// (connect|read|server|keepalive|send).
	RealtimeErrors metric.Int64Counter

	// Bootstraps counts bootstrap resolutions. Attributes: source.
	Bootstraps metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time; for media
	// streams this is the call length. Attributes: method, path (the route
	// pattern), upgraded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// backend round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("callrelay.active_calls",
		metric.WithDescription("Number of telephony connections with a live call session."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("callrelay.telephony.frames",
		metric.WithDescription("Telephony media frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callrelay.telephony.frames_dropped",
		metric.WithDescription("Telephony frames not forwarded to the realtime leg, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("callrelay.segments",
		metric.WithDescription("Finalized audio segments by role and reason."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("callrelay.uploads",
		metric.WithDescription("Finished dispatcher jobs by concern and outcome."),
	); err != nil {
		return nil, err
	}
	if met.UploadAttempts, err = m.Int64Counter("callrelay.upload.attempts",
		metric.WithDescription("Individual upload attempts by concern."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callrelay.barge_ins",
		metric.WithDescription("Caller interruptions of assistant playback."),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("callrelay.backend.duration",
		metric.WithDescription("Latency of backend requests by endpoint and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealtimeErrors, err = m.Int64Counter("callrelay.realtime.errors",
		metric.WithDescription("Realtime leg failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.Bootstraps, err = m.Int64Counter("callrelay.bootstraps",
		metric.WithDescription("Bootstrap resolutions by serving source."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("callrelay.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegment counts one finalized segment.
func (m *Metrics) RecordSegment(ctx context.Context, role, reason string) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(Attr("role", role), Attr("reason", reason)))
}

// RecordUpload counts one finished dispatcher job.
func (m *Metrics) RecordUpload(ctx context.Context, concern, status string) {
	m.Uploads.Add(ctx, 1, metric.WithAttributes(Attr("concern", concern), Attr("status", status)))
}

// RecordUploadAttempt counts one HTTP attempt made by the dispatcher.
func (m *Metrics) RecordUploadAttempt(ctx context.Context, concern string) {
	m.UploadAttempts.Add(ctx, 1, metric.WithAttributes(Attr("concern", concern)))
}

// RecordFrame counts one telephony frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction, event string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction), Attr("event", event)))
}

// RecordBargeIn counts one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// CallAttached adjusts the active call gauge by delta.
func (m *Metrics) CallAttached(ctx context.Context, delta int64) {
	m.ActiveCalls.Add(ctx, delta)
}

// RecordFrameDropped counts one frame that was not forwarded.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordBackend records the latency of one backend request.
func (m *Metrics) RecordBackend(ctx context.Context, endpoint, status string, d time.Duration) {
	m.BackendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("endpoint", endpoint), Attr("status", status)),
	)
}

// RecordRealtimeError counts one realtime leg failure.
func (m *Metrics) RecordRealtimeError(ctx context.Context, kind string) {
	m.RealtimeErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordBootstrap counts one bootstrap resolution.
func (m *Metrics) RecordBootstrap(ctx context.Context, source string) {
	m.Bootstraps.Add(ctx, 1, metric.WithAttributes(Attr("source", source)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}
