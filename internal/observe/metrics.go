// Package observe provides application-wide observability primitives for
// ChatSpeak: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ChatSpeak metrics.
const meterName = "github.com/chatspeak/chatspeak"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end conversation turn latency. Use with
	// attribute.String("kind", "text"|"audio").
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks generative oracle latency.
	LLMDuration metric.Float64Histogram

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// ClassifierDuration tracks severity inference latency.
	ClassifierDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsProcessed counts completed turns. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	TurnsProcessed metric.Int64Counter

	// GateDecisions counts prompt gate verdicts. Use with attribute:
	//   attribute.String("label", ...)
	GateDecisions metric.Int64Counter

	// ImprovementsDetected counts positive improvement verdicts.
	ImprovementsDetected metric.Int64Counter

	// MilestonesRecorded counts milestone achievements persisted.
	MilestonesRecorded metric.Int64Counter

	// OracleErrors counts oracle backend errors. Use with attributes:
	//   attribute.String("oracle", ...), attribute.String("kind", ...)
	OracleErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// oracle round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("chatspeak.turn.duration",
		metric.WithDescription("End-to-end latency of one conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("chatspeak.llm.duration",
		metric.WithDescription("Latency of generative oracle completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("chatspeak.stt.duration",
		metric.WithDescription("Latency of audio transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifierDuration, err = m.Float64Histogram("chatspeak.classifier.duration",
		metric.WithDescription("Latency of severity inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsProcessed, err = m.Int64Counter("chatspeak.turns.processed",
		metric.WithDescription("Total conversation turns by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.GateDecisions, err = m.Int64Counter("chatspeak.gate.decisions",
		metric.WithDescription("Total prompt gate verdicts by label."),
	); err != nil {
		return nil, err
	}
	if met.ImprovementsDetected, err = m.Int64Counter("chatspeak.improvements.detected",
		metric.WithDescription("Total positive improvement verdicts."),
	); err != nil {
		return nil, err
	}
	if met.MilestonesRecorded, err = m.Int64Counter("chatspeak.milestones.recorded",
		metric.WithDescription("Total milestone achievements persisted."),
	); err != nil {
		return nil, err
	}
	if met.OracleErrors, err = m.Int64Counter("chatspeak.oracle.errors",
		metric.WithDescription("Total oracle backend errors by oracle and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chatspeak.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordTurn records a completed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, kind, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.TurnsProcessed.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGateDecision records a prompt gate verdict.
func (m *Metrics) RecordGateDecision(ctx context.Context, label string) {
	m.GateDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("label", label)),
	)
}

// RecordOracleError records an oracle backend error.
func (m *Metrics) RecordOracleError(ctx context.Context, oracle, kind string) {
	m.OracleErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("oracle", oracle),
			attribute.String("kind", kind),
		),
	)
}
