// Package observe provides application-wide observability primitives for the
// data collector: OpenTelemetry metrics, tracing helpers, and structured
// logging enrichment.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/rokasgie/ai-data-collector"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Turn-coordination counters ---

	// EventsIngested counts transcript events accepted by the reconciler.
	// Use with attribute.String("kind", "interim"|"final").
	EventsIngested metric.Int64Counter

	// EventsDropped counts transcript events the reconciler discarded.
	// Use with attribute.String("reason", ...): "malformed",
	// "before_retention", "duplicate", "unmatched".
	EventsDropped metric.Int64Counter

	// Corrections counts late-correction signals emitted for already
	// delivered turns.
	Corrections metric.Int64Counter

	// TurnsFinalized counts closed user turns. Use with
	// attribute.String("reason", "grace"|"silence").
	TurnsFinalized metric.Int64Counter

	// StaleFinals counts final transcripts whose arrival lagged the latest
	// audio frame beyond the configured stale window.
	StaleFinals metric.Int64Counter

	// SentenceChunks counts assistant sentence chunks flushed to clients.
	SentenceChunks metric.Int64Counter

	// DispatchDropped counts queued user turns dropped due to the
	// dispatcher's queue soft cap.
	DispatchDropped metric.Int64Counter

	// DispatchErrors counts failed LLM dispatches by operation. Use with
	// attribute.String("op", "extract"|"reply").
	DispatchErrors metric.Int64Counter

	// --- Latency histograms ---

	// LLMDuration tracks LLM call latency. Use with
	// attribute.String("op", "extract"|"reply").
	LLMDuration metric.Float64Histogram

	// TurnLatency tracks the time from a segment's last transcript update to
	// its turn being finalized.
	TurnLatency metric.Float64Histogram

	// --- Gauges ---

	// ActiveConnections tracks the number of connected clients.
	ActiveConnections metric.Int64UpDownCounter

	// DispatchQueueDepth tracks queued user turns awaiting dispatch.
	DispatchQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.EventsIngested, err = m.Int64Counter("collector.events.ingested",
		metric.WithDescription("Transcript events accepted by the reconciler, by kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("collector.events.dropped",
		metric.WithDescription("Transcript events discarded by the reconciler, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("collector.corrections",
		metric.WithDescription("Late-correction signals emitted for delivered turns."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFinalized, err = m.Int64Counter("collector.turns.finalized",
		metric.WithDescription("User turns closed by the finalizer, by close reason."),
	); err != nil {
		return nil, err
	}
	if met.StaleFinals, err = m.Int64Counter("collector.finals.stale",
		metric.WithDescription("Final transcripts arriving later than the stale window after the last audio frame."),
	); err != nil {
		return nil, err
	}
	if met.SentenceChunks, err = m.Int64Counter("collector.sentence.chunks",
		metric.WithDescription("Assistant sentence chunks flushed to clients."),
	); err != nil {
		return nil, err
	}
	if met.DispatchDropped, err = m.Int64Counter("collector.dispatch.dropped",
		metric.WithDescription("User turns dropped because the dispatch queue was full."),
	); err != nil {
		return nil, err
	}
	if met.DispatchErrors, err = m.Int64Counter("collector.dispatch.errors",
		metric.WithDescription("Failed LLM dispatch operations, by op."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("collector.llm.duration",
		metric.WithDescription("Latency of LLM calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("collector.turn.latency",
		metric.WithDescription("Time from last transcript update to turn finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("collector.active_connections",
		metric.WithDescription("Number of connected clients."),
	); err != nil {
		return nil, err
	}
	if met.DispatchQueueDepth, err = m.Int64UpDownCounter("collector.dispatch.queue_depth",
		metric.WithDescription("Queued user turns awaiting dispatch."),
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
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
