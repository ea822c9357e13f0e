package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecorderHooks(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.EventEmitted("music.command")
	m.EventEmitted("music.command")
	m.EventDropped("voice.status", "web_bridge")
	m.HandlerDuration("music.command", "music_controller", 5*time.Millisecond)

	rm := collect(t, reader)

	emitted := findMetric(rm, "cantinaos.bus.events_emitted")
	if emitted == nil {
		t.Fatal("events_emitted not found")
	}
	sum, ok := emitted.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("events_emitted data = %+v", emitted.Data)
	}
	if sum.DataPoints[0].Value != 2 {
		t.Errorf("emitted count = %d, want 2", sum.DataPoints[0].Value)
	}

	if findMetric(rm, "cantinaos.bus.events_dropped") == nil {
		t.Error("events_dropped not found")
	}

	dur := findMetric(rm, "cantinaos.bus.handler.duration")
	if dur == nil {
		t.Fatal("handler duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("handler duration data = %+v", dur.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("handler samples = %d, want 1", hist.DataPoints[0].Count)
	}
}

func TestRecordPlanEnd(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlanEnd(ctx, "foreground", "completed", 2*time.Second)
	m.RecordPlanEnd(ctx, "foreground", "completed", 3*time.Second)
	m.RecordPlanEnd(ctx, "foreground", "failed", time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "cantinaos.plans_ended")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" && kv.Value.AsString() == "completed" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with status=completed not found")
}

func TestBridgeInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConnectedClients.Add(ctx, 1)
	m.ConnectedClients.Add(ctx, 1)
	m.ConnectedClients.Add(ctx, -1)
	m.RecordBroadcast(ctx, "service_status")
	m.RecordRejectedCommand(ctx, "rate_limited")

	rm := collect(t, reader)

	clients := findMetric(rm, "cantinaos.bridge.clients")
	if clients == nil {
		t.Fatal("clients gauge not found")
	}
	sum, ok := clients.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("clients data = %+v", clients.Data)
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("clients = %d, want 1", sum.DataPoints[0].Value)
	}

	if findMetric(rm, "cantinaos.bridge.broadcasts") == nil {
		t.Error("broadcasts counter not found")
	}
	if findMetric(rm, "cantinaos.bridge.commands_rejected") == nil {
		t.Error("commands_rejected counter not found")
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "cantinaos.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
