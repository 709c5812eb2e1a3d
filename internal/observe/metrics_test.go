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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// series flattens an int64 sum into "k=v,k=v" keyed values.
func series(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %s not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum[int64]", name, met.Data)
	}
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		out[labels(dp.Attributes)] += dp.Value
	}
	return out
}

func labels(set attribute.Set) string {
	var s string
	for _, kv := range set.ToSlice() {
		if s != "" {
			s += ","
		}
		s += string(kv.Key) + "=" + kv.Value.Emit()
	}
	return s
}

func metricAttrs(k, v string) metric.AddOption {
	return metric.WithAttributes(attribute.String(k, v))
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "error")
	m.RecordProviderError(ctx, "stt", "transcribe")
	m.RecordBreakerTransition(ctx, "deepgram", "open")
	m.RecordDisruption(ctx, "hardware_failure", "start")
	m.RecordDisruption(ctx, "hardware_failure", "end")
	m.RecordCaptureFailure(ctx, "permission")
	m.RecordDroppedEvent(ctx, "level")
	m.RecordDroppedEvent(ctx, "level")
	m.RecordBargeIn(ctx)

	rm := collect(t, reader)
	tests := []struct {
		metric string
		labels string
		want   int64
	}{
		{"parley.provider.requests", "kind=stt,provider=deepgram,status=ok", 2},
		{"parley.provider.requests", "kind=stt,provider=whisper,status=error", 1},
		{"parley.provider.errors", "kind=transcribe,provider=stt", 1},
		{"parley.provider.breaker.transitions", "provider=deepgram,state=open", 1},
		{"parley.disruptions", "phase=start,type=hardware_failure", 1},
		{"parley.disruptions", "phase=end,type=hardware_failure", 1},
		{"parley.capture.failures", "reason=permission", 1},
		{"parley.events.dropped", "kind=level", 2},
		{"parley.barge_ins", "", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"{"+tc.labels+"}", func(t *testing.T) {
			if got := series(t, rm, tc.metric)[tc.labels]; got != tc.want {
				t.Errorf("value = %d, want %d (all: %v)", got, tc.want, series(t, rm, tc.metric))
			}
		})
	}
}

func TestRecordUtterance(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordUtterance(ctx, "finalized", 1500*time.Millisecond)
	m.RecordUtterance(ctx, "finalized", 3*time.Second)
	m.RecordUtterance(ctx, "discarded", 200*time.Millisecond)

	rm := collect(t, reader)
	counts := series(t, rm, "parley.utterances")
	if counts["outcome=finalized"] != 2 || counts["outcome=discarded"] != 1 {
		t.Errorf("utterances = %v", counts)
	}

	met := findMetric(rm, "parley.utterance.duration")
	if met == nil {
		t.Fatal("utterance duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	for _, dp := range hist.DataPoints {
		if labels(dp.Attributes) == "outcome=finalized" && dp.Sum != 4.5 {
			t.Errorf("finalized duration sum = %v, want 4.5", dp.Sum)
		}
	}
}

func TestUpDownCounters(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ListeningSessions.Add(ctx, 1)
	m.ListeningSessions.Add(ctx, -1)
	m.ListeningSessions.Add(ctx, 1)
	m.GatewayConnections.Add(ctx, 1, metricAttrs("role", "device"))
	m.GatewayConnections.Add(ctx, 2, metricAttrs("role", "observer"))
	m.GatewayConnections.Add(ctx, -1, metricAttrs("role", "observer"))

	rm := collect(t, reader)
	if got := series(t, rm, "parley.listening_sessions")[""]; got != 1 {
		t.Errorf("listening = %d, want 1", got)
	}
	conns := series(t, rm, "parley.gateway.connections")
	if conns["role=device"] != 1 || conns["role=observer"] != 1 {
		t.Errorf("connections = %v", conns)
	}
}

func TestSTTDurationBuckets(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	m.STTDuration.Record(context.Background(), 0.3)

	met := findMetric(collect(t, reader), "parley.stt.duration")
	if met == nil {
		t.Fatal("stt duration not recorded")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if len(dp.Bounds) != len(latencyBuckets) {
		t.Fatalf("bounds = %v, want %v", dp.Bounds, latencyBuckets)
	}
	// 0.3s lands in the (0.25, 0.5] bucket.
	if dp.BucketCounts[5] != 1 {
		t.Errorf("bucket counts = %v", dp.BucketCounts)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
