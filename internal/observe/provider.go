package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures process-wide telemetry.
type ProviderConfig struct {
	// ServiceName defaults to "parley".
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root traces kept. Child spans follow
	// their parent. Values outside [0, 1] are clamped.
	SampleRatio float64

	// Registerer receives the Prometheus collectors. Nil means
	// [prometheus.DefaultRegisterer], which is what promhttp serves.
	Registerer prometheus.Registerer

	// SpanExporter is optional. Without one, spans are sampled and carried
	// through contexts for log correlation but never leave the process.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the installed providers.
type Telemetry struct {
	Meters     *sdkmetric.MeterProvider
	Tracers    *sdktrace.TracerProvider
	InstanceID string
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Tracers.Shutdown(ctx),
		t.Meters.Shutdown(ctx),
	)
}

// InitProvider builds the meter and tracer providers, installs them as the
// otel globals along with a W3C trace-context and baggage propagator, and
// returns a shutdown func for main to defer.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	t, err := NewTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.Install()
	return t.Shutdown, nil
}

// NewTelemetry builds providers without touching the otel globals.
func NewTelemetry(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}
	instance := uuid.NewString()

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(instance),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var expOpts []promexporter.Option
	if cfg.Registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.SpanExporter))
	}

	return &Telemetry{
		Meters:     sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
		Tracers:    sdktrace.NewTracerProvider(tpOpts...),
		InstanceID: instance,
	}, nil
}

// Install registers t as the global meter and tracer provider.
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.Meters)
	otel.SetTracerProvider(t.Tracers)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
