package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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
		{"chatspeak.turn.duration", m.TurnDuration},
		{"chatspeak.llm.duration", m.LLMDuration},
		{"chatspeak.stt.duration", m.STTDuration},
		{"chatspeak.classifier.duration", m.ClassifierDuration},
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

func TestRecordGateDecision(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGateDecision(ctx, "allowed")
	m.RecordGateDecision(ctx, "allowed")
	m.RecordGateDecision(ctx, "disallowed")

	rm := collect(t, reader)
	met := findMetric(rm, "chatspeak.gate.decisions")
	if met == nil {
		t.Fatal("gate decisions metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric is %T, want Sum[int64]", met.Data)
	}

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
		label, _ := dp.Attributes.Value(attribute.Key("label"))
		if label.AsString() == "allowed" && dp.Value != 2 {
			t.Errorf("allowed count = %d, want 2", dp.Value)
		}
	}
	if total != 3 {
		t.Errorf("total decisions = %d, want 3", total)
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "audio", "ok", 1.25)

	rm := collect(t, reader)
	if findMetric(rm, "chatspeak.turns.processed") == nil {
		t.Error("turns processed counter not recorded")
	}
	met := findMetric(rm, "chatspeak.turn.duration")
	if met == nil {
		t.Fatal("turn duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Sum != 1.25 {
		t.Errorf("duration sum = %v, want 1.25", hist.DataPoints[0].Sum)
	}
}

func TestRecordOracleError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordOracleError(context.Background(), "gemini", "llm")

	rm := collect(t, reader)
	met := findMetric(rm, "chatspeak.oracle.errors")
	if met == nil {
		t.Fatal("oracle errors metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected data points: %+v", sum.DataPoints)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
