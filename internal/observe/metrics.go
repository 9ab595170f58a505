// Package observe provides the recorder's OpenTelemetry metrics and the
// Prometheus bridge used to scrape them.
//
// Components receive a *Metrics explicitly; tests should build one with
// [NewMetrics] over their own [metric.MeterProvider], or use [Nop].
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope for all recorder metrics.
const meterName = "github.com/dobachi/omni-meeting-recorder"

// Metrics holds the recorder's metric instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// CaptureChunks counts chunks read from a device. Attribute: source.
	CaptureChunks metric.Int64Counter

	// CaptureDropped counts chunks discarded because the intake queue was
	// full. Attribute: source.
	CaptureDropped metric.Int64Counter

	// CaptureReadErrors counts failed hardware reads. Attribute: source.
	CaptureReadErrors metric.Int64Counter

	// MixerFrames counts output frames emitted by the synchronizer.
	MixerFrames metric.Int64Counter

	// OutputBytes counts PCM bytes handed to the writer.
	OutputBytes metric.Int64Counter

	// CycleDuration tracks the time spent assembling one output frame.
	CycleDuration metric.Float64Histogram
}

// cycleBuckets are histogram boundaries in seconds for a single mixer cycle.
var cycleBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureChunks, err = m.Int64Counter("omr.capture.chunks",
		metric.WithDescription("Chunks read from capture devices by source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("omr.capture.dropped",
		metric.WithDescription("Chunks dropped on a full intake queue by source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureReadErrors, err = m.Int64Counter("omr.capture.read_errors",
		metric.WithDescription("Failed capture reads by source."),
	); err != nil {
		return nil, err
	}
	if met.MixerFrames, err = m.Int64Counter("omr.mixer.frames",
		metric.WithDescription("Output frames emitted."),
	); err != nil {
		return nil, err
	}
	if met.OutputBytes, err = m.Int64Counter("omr.output.bytes",
		metric.WithDescription("PCM bytes delivered to the output writer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("omr.mixer.cycle.duration",
		metric.WithDescription("Time to assemble one output frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Nop returns Metrics that record nothing.
func Nop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

func source(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", name))
}

// RecordChunk counts one captured chunk for source.
func (m *Metrics) RecordChunk(ctx context.Context, src string) {
	m.CaptureChunks.Add(ctx, 1, source(src))
}

// RecordDrop counts one dropped chunk for source.
func (m *Metrics) RecordDrop(ctx context.Context, src string) {
	m.CaptureDropped.Add(ctx, 1, source(src))
}

// RecordReadError counts one failed read for source.
func (m *Metrics) RecordReadError(ctx context.Context, src string) {
	m.CaptureReadErrors.Add(ctx, 1, source(src))
}

// RecordFrame counts one emitted frame of n bytes and its assembly time.
func (m *Metrics) RecordFrame(ctx context.Context, n int, seconds float64) {
	m.MixerFrames.Add(ctx, 1)
	m.OutputBytes.Add(ctx, int64(n))
	m.CycleDuration.Record(ctx, seconds)
}
