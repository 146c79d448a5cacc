// Package observe provides application-wide observability primitives for
// kaiwa: OpenTelemetry metrics, tracing, and HTTP middleware for the admin
// surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so the instruments land on
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kaiwa metrics.
const meterName = "github.com/mkurimoto/kaiwa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TurnDuration tracks the full turn: capture start until the
	// controller settles back in idle.
	TurnDuration metric.Float64Histogram

	// CaptureDuration tracks the length of one listening activation.
	CaptureDuration metric.Float64Histogram

	// BackendLatency tracks the conversation backend round trip.
	BackendLatency metric.Float64Histogram

	// SynthesisLatency tracks an utterance from speech start to its
	// terminal event.
	SynthesisLatency metric.Float64Histogram

	// --- Counters ---

	// Fragments counts recognition fragments received across all captures.
	Fragments metric.Int64Counter

	// BargeIns counts user interruptions of an in-progress utterance.
	BargeIns metric.Int64Counter

	// Errors counts non-fatal faults. Use with attribute:
	//   attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live capture activations (0 or 1 in a single
	// practice session; kept as an up-down counter so multi-session
	// deployments aggregate naturally).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin endpoint processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The low
// end resolves provider round trips; the high end covers whole turns, which
// include the user speaking at their own pace.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("kaiwa.turn.duration",
		metric.WithDescription("Duration of one full turn, capture start to idle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("kaiwa.capture.duration",
		metric.WithDescription("Duration of one listening activation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendLatency, err = m.Float64Histogram("kaiwa.backend.latency",
		metric.WithDescription("Latency of the conversation backend round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisLatency, err = m.Float64Histogram("kaiwa.synthesis.latency",
		metric.WithDescription("Latency from speech start to the utterance terminal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Fragments, err = m.Int64Counter("kaiwa.fragments",
		metric.WithDescription("Total recognition fragments received."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("kaiwa.barge_ins",
		metric.WithDescription("Total user interruptions of an in-progress utterance."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("kaiwa.errors",
		metric.WithDescription("Total non-fatal faults by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kaiwa.active_sessions",
		metric.WithDescription("Number of live capture activations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kaiwa.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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

// RecordError records one non-fatal fault with its kind attribute.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
