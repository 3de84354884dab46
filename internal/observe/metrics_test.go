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

func TestCounterObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
	}{
		{"collector.events.ingested", m.EventsIngested},
		{"collector.events.dropped", m.EventsDropped},
		{"collector.corrections", m.Corrections},
		{"collector.turns.finalized", m.TurnsFinalized},
		{"collector.finals.stale", m.StaleFinals},
		{"collector.sentence.chunks", m.SentenceChunks},
		{"collector.dispatch.dropped", m.DispatchDropped},
		{"collector.dispatch.errors", m.DispatchErrors},
	}

	for _, tc := range counters {
		tc.c.Add(ctx, 1)
		tc.c.Add(ctx, 2)
	}

	rm := collect(t, reader)

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %s not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s: want int64 Sum, got %T", tc.name, met.Data)
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 3 {
				t.Errorf("metric %s: want single data point with value 3, got %+v", tc.name, sum.DataPoints)
			}
		})
	}
}

func TestCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "before_retention")))

	rm := collect(t, reader)
	met := findMetric(rm, "collector.events.dropped")
	if met == nil {
		t.Fatal("collector.events.dropped not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("want int64 Sum, got %T", met.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("want 2 attribute-separated data points, got %d", len(sum.DataPoints))
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMDuration.Record(ctx, 0.123)
	m.LLMDuration.Record(ctx, 0.456)
	m.TurnLatency.Record(ctx, 0.7)

	rm := collect(t, reader)
	met := findMetric(rm, "collector.llm.duration")
	if met == nil {
		t.Fatal("collector.llm.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("want float64 Histogram, got %T", met.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("want single data point with count 2, got %+v", hist.DataPoints)
	}
}

func TestGaugeUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "collector.active_connections")
	if met == nil {
		t.Fatal("collector.active_connections not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("want int64 Sum, got %T", met.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("want value 1 after +1+1-1, got %+v", sum.DataPoints)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics: want same instance on repeated calls")
	}
}
