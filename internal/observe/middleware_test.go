package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddlewareHarness wires Metrics onto a manual reader and installs an
// in-memory tracer, returning a wrapped handler plus both collection ends.
func newMiddlewareHarness(t *testing.T, inner http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	return Middleware(m)(inner), reader, exp
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareStampsCorrelationID(t *testing.T) {
	var inner string
	h, _, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	})

	rec := serve(h, "GET", "/healthz", nil)

	if len(inner) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", inner)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inner {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inner)
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inner string
	h, _, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	})

	serve(h, "GET", "/readyz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if inner != traceID {
		t.Errorf("correlation ID = %q, want the incoming trace %q", inner, traceID)
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	h, reader, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, _ *http.Request) {})

	serve(h, "GET", "/metrics", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "cantinaos.http.request.duration")
	if met == nil {
		t.Fatal("cantinaos.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("unexpected metric shape %T", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	wantAttrs := map[string]string{"method": "GET", "path": "/metrics"}
	for _, kv := range dp.Attributes.ToSlice() {
		if want, ok := wantAttrs[string(kv.Key)]; ok && kv.Value.AsString() == want {
			delete(wantAttrs, string(kv.Key))
		}
	}
	if len(wantAttrs) != 0 {
		t.Errorf("missing attributes: %v", wantAttrs)
	}
}

func TestMiddlewareCapturesSpanStatus(t *testing.T) {
	h, _, exp := newMiddlewareHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := serve(h, "GET", "/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /missing" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want %d", status, http.StatusNotFound)
	}
}
