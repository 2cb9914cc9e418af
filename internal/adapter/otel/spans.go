// Package otel provides Refinery's OpenTelemetry instruments and spans.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "refinery"

// StartJobSpan starts a span covering one training job execution.
func StartJobSpan(ctx context.Context, jobID, jobType, datasetID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "training_job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.type", jobType),
			attribute.String("dataset.id", datasetID),
		))
}

// StartCurationSpan starts a span covering one dataset curation run.
func StartCurationSpan(ctx context.Context, datasetID string, examples int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "curation",
		trace.WithAttributes(
			attribute.String("dataset.id", datasetID),
			attribute.Int("examples", examples),
		))
}

// StartValidationSpan starts a span covering one validation gate run.
func StartValidationSpan(ctx context.Context, modelID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "validation",
		trace.WithAttributes(attribute.String("model.id", modelID)))
}
