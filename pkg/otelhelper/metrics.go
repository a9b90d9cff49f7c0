package otelhelper

import (
	"go.opentelemetry.io/otel/metric"
)

// NewDurationHistogram creates a Float64Histogram with second buckets tuned for
// request/reply handlers (sub-millisecond cache reads up to slow store calls).
func NewDurationHistogram(meter metric.Meter, name, description string) (metric.Float64Histogram, error) {
	return meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5,
		),
	)
}
