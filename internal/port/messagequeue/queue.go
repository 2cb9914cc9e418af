// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Delivery is at-least-once; handlers must deduplicate.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects consumed from upstream producers.
const (
	SubjectTraceGenerated       = "execution.trace_generated"
	SubjectQualityScoreComputed = "evaluation.quality_score_computed"
	SubjectModelQualityReported = "deployment.model_quality_reported"
)

// Subjects produced by the pipeline.
const (
	SubjectTrainingJobCompleted = "learning.training_job_completed"
	SubjectModelReadyForDeploy  = "learning.model_ready_for_deployment"
	SubjectPipelineAlert        = "learning.pipeline_alert"
)
