package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wires a fresh meter and an in-memory span exporter, and
// returns h wrapped by [Middleware]. Tests using it must not run in
// parallel: the tracer provider is global.
func instrumented(t *testing.T, h http.Handler) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return Middleware(m)(h), reader, exp
}

// durationPoint returns the single request-duration data point.
func durationPoint(t *testing.T, reader *sdkmetric.ManualReader) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callrelay.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("request duration = %+v, want one histogram point", met.Data)
	}
	return hist.DataPoints[0]
}

func attr(set attribute.Set, key string) (attribute.Value, bool) {
	return set.Value(attribute.Key(key))
}

func TestMiddleware_CorrelationID(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "incoming trace context",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h, _, _ := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/ws-status", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation id = %q, want a 32-char trace id", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation id = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
			if rec.Header().Get("traceparent") == "" {
				t.Error("response carries no traceparent")
			}
		})
	}
}

func TestMiddleware_SpanNameAndStatus(t *testing.T) {
	h, _, exp := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status code = %d, want 503", status)
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calls/{sid}", func(w http.ResponseWriter, _ *http.Request) {})
	h, reader, exp := instrumented(t, mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/calls/CA123", nil))

	dp := durationPoint(t, reader)
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	if v, _ := attr(dp.Attributes, "path"); v.AsString() != "GET /calls/{sid}" {
		t.Errorf("path = %q, want the route pattern", v.AsString())
	}
	if v, _ := attr(dp.Attributes, "method"); v.AsString() != http.MethodGet {
		t.Errorf("method = %q", v.AsString())
	}

	var rt string
	for _, kv := range exp.GetSpans()[0].Attributes {
		if kv.Key == "http.route" {
			rt = kv.Value.AsString()
		}
	}
	if rt != "GET /calls/{sid}" {
		t.Errorf("span http.route = %q", rt)
	}
}

func TestMiddleware_MediaStreamUpgrade(t *testing.T) {
	h, reader, _ := instrumented(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept through middleware: %v", err)
			return
		}
		defer conn.CloseNow()
		typ, msg, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), typ, msg)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"connected"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, got, err := conn.Read(ctx); err != nil || string(got) != `{"event":"connected"}` {
		t.Fatalf("echo = %q, %v", got, err)
	}
	_, _, _ = conn.Read(ctx) // wait for the server close

	deadline := time.Now().Add(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		_ = reader.Collect(ctx, &rm)
		if findMetric(rm, "callrelay.http.request.duration") != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no duration recorded after the stream ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if v, _ := attr(durationPoint(t, reader).Attributes, "upgraded"); !v.AsBool() {
		t.Error("upgraded = false for a media stream")
	}
}
