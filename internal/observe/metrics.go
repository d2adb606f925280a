// Package observe provides the OpenTelemetry metrics for the transcription
// pipeline, exported in Prometheus format via [InitProvider].
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chorus metrics.
const meterName = "github.com/chorushq/chorus"

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// local speech-model inference, which runs from tenths of a second to tens
// of seconds per segment.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// Metrics holds the metric instruments of the pipeline. All fields are safe
// for concurrent use; the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	meter metric.Meter

	// TranscribeDuration tracks per-segment backend inference latency. Use
	// with attribute.String("status", "ok"|"error"|"timeout").
	TranscribeDuration metric.Float64Histogram

	// SegmentsEmitted counts speech segments produced by the assemblers.
	SegmentsEmitted metric.Int64Counter

	// ResultsDelivered counts transcription results released to sinks. Use
	// with attribute.String("status", "ok"|"error").
	ResultsDelivered metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.TranscribeDuration, err = m.Float64Histogram("chorus.transcribe.duration",
		metric.WithDescription("Latency of one speech-to-text inference call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("chorus.segments.emitted",
		metric.WithDescription("Total speech segments emitted by assemblers."),
	); err != nil {
		return nil, err
	}
	if met.ResultsDelivered, err = m.Int64Counter("chorus.results.delivered",
		metric.WithDescription("Total results released to sinks by status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObserveQueueDepth exports the pool's queue occupancy as a gauge read at
// scrape time.
func (m *Metrics) ObserveQueueDepth(depth func() int64) error {
	g, err := m.meter.Int64ObservableGauge("chorus.queue.depth",
		metric.WithDescription("Segments waiting in the transcription queue."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, depth())
		return nil
	}, g)
	return err
}

// ObserveActiveSessions exports the session registry size as a gauge read
// at scrape time.
func (m *Metrics) ObserveActiveSessions(count func() int64) error {
	g, err := m.meter.Int64ObservableGauge("chorus.sessions.active",
		metric.WithDescription("Number of live capture sessions."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, count())
		return nil
	}, g)
	return err
}

// ObserveDroppedSegments exports the pool's cumulative overflow-eviction
// count.
func (m *Metrics) ObserveDroppedSegments(dropped func() int64) error {
	c, err := m.meter.Int64ObservableCounter("chorus.segments.dropped",
		metric.WithDescription("Segments evicted by the queue overflow policy."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(c, dropped())
		return nil
	}, c)
	return err
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument
// creation fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: creating default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
