package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func newTestTelemetry(t *testing.T, cfg ProviderConfig) (*Telemetry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	tel, err := NewTelemetry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, reg
}

func TestNewTelemetry_ExportsToRegistry(t *testing.T) {
	t.Parallel()

	tel, reg := newTestTelemetry(t, ProviderConfig{ServiceVersion: "1.2.3", SampleRatio: 1})
	if _, err := uuid.Parse(tel.InstanceID); err != nil {
		t.Errorf("InstanceID %q is not a uuid: %v", tel.InstanceID, err)
	}

	m, err := NewMetrics(tel.Meters)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordDroppedEvent(context.Background(), "transcription")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "parley_events_dropped") {
			found = true
		}
	}
	if !found {
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		t.Errorf("dropped events counter not exported; families: %v", names)
	}
}

func TestNewTelemetry_Sampling(t *testing.T) {
	t.Parallel()

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	tests := []struct {
		name        string
		ratio       float64
		parent      context.Context
		wantSampled bool
	}{
		{"always", 1, context.Background(), true},
		{"above one clamps", 7, context.Background(), true},
		{"never", 0, context.Background(), false},
		{"negative clamps", -1, context.Background(), false},
		{"sampled parent wins", 0, trace.ContextWithRemoteSpanContext(context.Background(), remote), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tel, _ := newTestTelemetry(t, ProviderConfig{SampleRatio: tc.ratio})
			_, span := tel.Tracers.Tracer("test").Start(tc.parent, "op")
			defer span.End()
			if got := span.SpanContext().IsSampled(); got != tc.wantSampled {
				t.Errorf("sampled = %v, want %v", got, tc.wantSampled)
			}
		})
	}
}

func TestTelemetry_Shutdown(t *testing.T) {
	t.Parallel()

	tel, _ := newTestTelemetry(t, ProviderConfig{})
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, span := tel.Tracers.Tracer("test").Start(context.Background(), "late")
	defer span.End()
	if span.IsRecording() {
		t.Error("span started after shutdown is recording")
	}
}
