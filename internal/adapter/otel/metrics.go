package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "refinery"

// Metrics holds all Refinery metric instruments.
type Metrics struct {
	ExamplesExtracted metric.Int64Counter
	TracesSkipped     metric.Int64Counter
	JoinTimeouts      metric.Int64Counter
	ExamplesAccepted  metric.Int64Counter
	ExamplesRejected  metric.Int64Counter
	ExamplesReviewed  metric.Int64Counter
	DatasetsCurated   metric.Int64Counter
	JobsSubmitted     metric.Int64Counter
	JobsCompleted     metric.Int64Counter
	JobsFailed        metric.Int64Counter
	JobRetries        metric.Int64Counter
	BreakerOpens      metric.Int64Counter
	HaltsTripped      metric.Int64Counter
	TrainDuration     metric.Float64Histogram
	DatasetSize       metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ExamplesExtracted, err = meter.Int64Counter("refinery.examples.extracted",
		metric.WithDescription("Training examples emitted by the extractor"))
	if err != nil {
		return nil, err
	}

	m.TracesSkipped, err = meter.Int64Counter("refinery.traces.skipped",
		metric.WithDescription("Malformed traces skipped"))
	if err != nil {
		return nil, err
	}

	m.JoinTimeouts, err = meter.Int64Counter("refinery.join.timeouts",
		metric.WithDescription("Quality-signal joins that hit the deadline"))
	if err != nil {
		return nil, err
	}

	m.ExamplesAccepted, err = meter.Int64Counter("refinery.filter.accepted",
		metric.WithDescription("Examples accepted by the quality filter"))
	if err != nil {
		return nil, err
	}

	m.ExamplesRejected, err = meter.Int64Counter("refinery.filter.rejected",
		metric.WithDescription("Examples rejected by the quality filter"))
	if err != nil {
		return nil, err
	}

	m.ExamplesReviewed, err = meter.Int64Counter("refinery.filter.review",
		metric.WithDescription("Examples routed to manual review"))
	if err != nil {
		return nil, err
	}

	m.DatasetsCurated, err = meter.Int64Counter("refinery.datasets.curated",
		metric.WithDescription("Dataset versions created"))
	if err != nil {
		return nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter("refinery.jobs.submitted",
		metric.WithDescription("Training jobs submitted"))
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("refinery.jobs.completed",
		metric.WithDescription("Training jobs completed successfully"))
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("refinery.jobs.failed",
		metric.WithDescription("Training jobs terminally failed"))
	if err != nil {
		return nil, err
	}

	m.JobRetries, err = meter.Int64Counter("refinery.jobs.retries",
		metric.WithDescription("Training retries with adjusted parameters"))
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("refinery.breaker.opens",
		metric.WithDescription("Circuit breaker open transitions"))
	if err != nil {
		return nil, err
	}

	m.HaltsTripped, err = meter.Int64Counter("refinery.halts.tripped",
		metric.WithDescription("Negative-feedback-loop halts tripped"))
	if err != nil {
		return nil, err
	}

	m.TrainDuration, err = meter.Float64Histogram("refinery.train.duration_seconds",
		metric.WithDescription("Training job duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.DatasetSize, err = meter.Int64Histogram("refinery.dataset.size",
		metric.WithDescription("Examples per curated dataset version"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
