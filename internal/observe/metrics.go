// Package observe provides application-wide observability primitives for
// CantinaOS: OpenTelemetry metrics, tracing, and the HTTP middleware that
// ties them together.
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

// meterName is the instrumentation scope name used for all CantinaOS metrics.
const meterName = "github.com/cantina-labs/cantinaos"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Event bus ---

	// EventsEmitted counts payloads accepted by the bus. Attribute: topic.
	EventsEmitted metric.Int64Counter

	// EventsDropped counts payloads shed by subscription throttles.
	// Attributes: topic, owner.
	EventsDropped metric.Int64Counter

	// HandlerSeconds tracks per-handler delivery latency. Attributes:
	// topic, owner.
	HandlerSeconds metric.Float64Histogram

	// --- Timeline ---

	// PlanSeconds tracks plan wall time from start to end. Attributes:
	// layer, status.
	PlanSeconds metric.Float64Histogram

	// PlansEnded counts finished plans. Attributes: layer, status.
	PlansEnded metric.Int64Counter

	// --- Web bridge ---

	// ConnectedClients tracks the number of live websocket clients.
	ConnectedClients metric.Int64UpDownCounter

	// Broadcasts counts outbound socket broadcasts. Attribute: channel.
	Broadcasts metric.Int64Counter

	// CommandsRejected counts inbound socket commands refused before any
	// internal emission. Attribute: reason (rate_limited, validation,
	// unknown_channel).
	CommandsRejected metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// handler and plan latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EventsEmitted, err = m.Int64Counter("cantinaos.bus.events_emitted",
		metric.WithDescription("Total payloads accepted by the bus, by topic."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("cantinaos.bus.events_dropped",
		metric.WithDescription("Payloads shed by subscription throttles, by topic and owner."),
	); err != nil {
		return nil, err
	}
	if met.HandlerSeconds, err = m.Float64Histogram("cantinaos.bus.handler.duration",
		metric.WithDescription("Per-handler delivery latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PlanSeconds, err = m.Float64Histogram("cantinaos.plan.duration",
		metric.WithDescription("Plan wall time from start to end, by layer and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlansEnded, err = m.Int64Counter("cantinaos.plans_ended",
		metric.WithDescription("Finished plans by layer and status."),
	); err != nil {
		return nil, err
	}

	if met.ConnectedClients, err = m.Int64UpDownCounter("cantinaos.bridge.clients",
		metric.WithDescription("Number of live websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("cantinaos.bridge.broadcasts",
		metric.WithDescription("Outbound socket broadcasts by channel."),
	); err != nil {
		return nil, err
	}
	if met.CommandsRejected, err = m.Int64Counter("cantinaos.bridge.commands_rejected",
		metric.WithDescription("Inbound socket commands refused, by reason."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cantinaos.http.request.duration",
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

// EventEmitted implements the bus recorder hook.
func (m *Metrics) EventEmitted(topic string) {
	m.EventsEmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// EventDropped implements the bus recorder hook.
func (m *Metrics) EventDropped(topic, owner string) {
	m.EventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("owner", owner),
		),
	)
}

// HandlerDuration implements the bus recorder hook.
func (m *Metrics) HandlerDuration(topic, owner string, d time.Duration) {
	m.HandlerSeconds.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("owner", owner),
		),
	)
}

// RecordPlanEnd records one finished plan.
func (m *Metrics) RecordPlanEnd(ctx context.Context, layer, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("status", status),
	)
	m.PlansEnded.Add(ctx, 1, attrs)
	m.PlanSeconds.Record(ctx, d.Seconds(), attrs)
}

// RecordBroadcast records one outbound socket broadcast.
func (m *Metrics) RecordBroadcast(ctx context.Context, channel string) {
	m.Broadcasts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordRejectedCommand records one refused inbound socket command.
func (m *Metrics) RecordRejectedCommand(ctx context.Context, reason string) {
	m.CommandsRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
