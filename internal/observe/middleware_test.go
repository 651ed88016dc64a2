package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		status      int
		traceparent string
		wantTrace   string
		wantLogged  bool
	}{
		{name: "ready probe", path: "/readyz", status: http.StatusOK},
		{name: "failing probe", path: "/readyz", status: http.StatusServiceUnavailable, wantLogged: true},
		{name: "other path", path: "/debug", status: http.StatusNotFound, wantLogged: true},
		{
			name:        "propagated trace",
			path:        "/healthz",
			status:      http.StatusOK,
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			wantTrace:   "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTracer(t)
			logs := captureLogs(t, slog.LevelDebug)
			m, reader := newTestMetrics(t)

			var seen string
			h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
				w.WriteHeader(tt.status)
			}))
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if len(seen) != 32 || rec.Header().Get("X-Correlation-ID") != seen {
				t.Errorf("correlation ID: handler %q, header %q", seen, rec.Header().Get("X-Correlation-ID"))
			}
			if tt.wantTrace != "" && seen != tt.wantTrace {
				t.Errorf("trace ID = %q, want propagated %q", seen, tt.wantTrace)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 || spans[0].Name != "HTTP GET "+tt.path {
				t.Fatalf("spans = %+v", spans)
			}
			var code int64
			for _, kv := range spans[0].Attributes {
				if kv.Key == "http.response.status_code" {
					code = kv.Value.AsInt64()
				}
			}
			if code != int64(tt.status) {
				t.Errorf("span status code = %d, want %d", code, tt.status)
			}

			met := findMetric(collect(t, reader), "xenobot.http.request.duration")
			if met == nil {
				t.Fatal("duration metric missing")
			}
			dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
			if v, _ := dp.Attributes.Value(attribute.Key("status")); v.AsInt64() != int64(tt.status) || dp.Count != 1 {
				t.Errorf("datapoint = %+v", dp)
			}
			if path, _ := dp.Attributes.Value(attribute.Key("path")); path.AsString() != tt.path {
				t.Errorf("path attribute = %q", path.AsString())
			}

			// The capture level is debug, so check the level of the line.
			logged := strings.Contains(logs.String(), "level=INFO")
			if logged != tt.wantLogged {
				t.Errorf("logged at info = %v, want %v: %s", logged, tt.wantLogged, logs)
			}
		})
	}
}
