// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks transcription latency per utterance.
	STTDuration metric.Float64Histogram

	// UtteranceDuration tracks the captured length of finished sessions. Use
	// with attribute.String("outcome", "finalized"|"discarded").
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Utterances counts finished recording sessions by outcome.
	Utterances metric.Int64Counter

	// BargeIns counts counterpart playback stopped because the user spoke.
	BargeIns metric.Int64Counter

	// Disruptions counts disruption transitions. Use with attributes:
	//   attribute.String("type", ...), attribute.String("phase", ...)
	Disruptions metric.Int64Counter

	// DroppedEvents counts events dropped because a subscriber queue was
	// full. Use with attribute.String("kind", ...).
	DroppedEvents metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes,
	// labelled by provider and the state entered.
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CaptureFailures counts microphone open failures. Use with attribute:
	//   attribute.String("reason", "permission"|"open")
	CaptureFailures metric.Int64Counter

	// --- Gauges ---

	// ListeningSessions tracks whether the controller is listening (0 or 1
	// per process).
	ListeningSessions metric.Int64UpDownCounter

	// GatewayConnections tracks open gateway connections. Use with attribute:
	//   attribute.String("role", "device"|"observer")
	GatewayConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled by
	// method, matched route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets covers the 0–30 s range of a single capture.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("parley.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("parley.utterance.duration",
		metric.WithDescription("Captured length of finished recording sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Total finished recording sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.barge_ins",
		metric.WithDescription("Total counterpart playbacks stopped by user speech."),
	); err != nil {
		return nil, err
	}
	if met.Disruptions, err = m.Int64Counter("parley.disruptions",
		metric.WithDescription("Total disruption transitions by type and phase."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("parley.events.dropped",
		metric.WithDescription("Total events dropped on full subscriber queues."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("parley.provider.breaker.transitions",
		metric.WithDescription("Provider circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFailures, err = m.Int64Counter("parley.capture.failures",
		metric.WithDescription("Total microphone open failures by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ListeningSessions, err = m.Int64UpDownCounter("parley.listening_sessions",
		metric.WithDescription("Number of active listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.GatewayConnections, err = m.Int64UpDownCounter("parley.gateway.connections",
		metric.WithDescription("Number of open gateway connections by role."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordUtterance records a finished recording session and its length.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Utterances.Add(ctx, 1, attrs)
	m.UtteranceDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBargeIn records one barge-in.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordDisruption records a disruption transition.
func (m *Metrics) RecordDisruption(ctx context.Context, kind, phase string) {
	m.Disruptions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", kind),
			attribute.String("phase", phase),
		),
	)
}

// RecordCaptureFailure records a microphone open failure.
func (m *Metrics) RecordCaptureFailure(ctx context.Context, reason string) {
	m.CaptureFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordDroppedEvent records an event dropped for a slow subscriber.
func (m *Metrics) RecordDroppedEvent(ctx context.Context, kind string) {
	m.DroppedEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
