package observe

import (
	"context"
	"testing"

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

// counterValue returns the int64 sum data point of name whose attribute key
// equals value. An empty key matches the first data point.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"xenobot.relay.response.latency", m.ResponseLatency},
		{"xenobot.relay.utterance.duration", m.UtteranceDuration},
		{"xenobot.chat.duration", m.ChatDuration},
		{"xenobot.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordUtterance(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, UtteranceCommitted)
	m.RecordUtterance(ctx, UtteranceCommitted)
	m.RecordUtterance(ctx, UtteranceDiscarded)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "xenobot.relay.utterances", "status", UtteranceCommitted); got != 2 {
		t.Errorf("committed = %d, want 2", got)
	}
	if got := counterValue(t, rm, "xenobot.relay.utterances", "status", UtteranceDiscarded); got != 1 {
		t.Errorf("discarded = %d, want 1", got)
	}
}

func TestRelayErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeIn(ctx)
	m.RecordTranscoderError(ctx, DirectionPlayback)
	m.RecordProtocolError(ctx, "")
	m.RecordProtocolError(ctx, "bad_request")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "xenobot.relay.barge_ins", "", ""); got != 1 {
		t.Errorf("barge_ins = %d, want 1", got)
	}
	if got := counterValue(t, rm, "xenobot.relay.transcoder.errors", "direction", DirectionPlayback); got != 1 {
		t.Errorf("transcoder errors = %d, want 1", got)
	}
	if got := counterValue(t, rm, "xenobot.relay.protocol.errors", "code", "unknown"); got != 1 {
		t.Errorf("protocol errors (unknown) = %d, want 1", got)
	}
	if got := counterValue(t, rm, "xenobot.relay.protocol.errors", "code", "bad_request"); got != 1 {
		t.Errorf("protocol errors (bad_request) = %d, want 1", got)
	}
}

func TestProviderAndCommandCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "chat", "ok")
	m.RecordProviderRequest(ctx, "openai", "chat", "ok")
	m.RecordProviderRequest(ctx, "openai", "chat", "error")
	m.RecordCommand(ctx, "connect", "ok")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "xenobot.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("provider ok = %d, want 2", got)
	}
	if got := counterValue(t, rm, "xenobot.commands", "command", "connect"); got != 1 {
		t.Errorf("connect commands = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSpeakers.Add(ctx, 3)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "xenobot.active_sessions", "", ""); got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
	if got := counterValue(t, rm, "xenobot.active_speakers", "", ""); got != 3 {
		t.Errorf("active_speakers = %d, want 3", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
