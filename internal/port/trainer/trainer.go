// Package trainer defines the opaque training backend port. The pipeline
// treats a training step as train(dataset, config, checkpoint) -> (checkpoint,
// metrics); tensor computation and GPU execution live behind this interface.
package trainer

import (
	"context"
	"errors"

	"github.com/forgeml/refinery/internal/domain/trainjob"
)

// Retryable training failures. The orchestrator retries these with adjusted
// parameters; anything else is terminal.
var (
	ErrResourceExhausted = errors.New("training resource exhausted")
	ErrNumericDivergence = errors.New("numeric divergence")
	ErrKLBoundExceeded   = errors.New("kl divergence bound exceeded")
)

// Retryable reports whether err is a failure class the orchestrator may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrNumericDivergence) ||
		errors.Is(err, ErrKLBoundExceeded) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Request describes one opaque training invocation.
type Request struct {
	JobID      string
	JobType    trainjob.Type
	DatasetURL string
	Checkpoint string // empty = start from base model
	Params     trainjob.Hyperparameters
}

// Result is the outcome of a completed training invocation.
type Result struct {
	Checkpoint string
	Metrics    trainjob.Metrics
}

// PreferencePair is one ranked pair used for reward-signal training.
type PreferencePair struct {
	Prompt   string
	Chosen   string
	Rejected string
	Margin   float64 // quality-score gap that produced the ranking
}

// RolloutScore is the reward model's verdict for one sampled rollout.
type RolloutScore struct {
	Reward       float64
	KLDivergence float64 // vs the prior policy
}

// Trainer is the port interface for the external training backend.
// All calls respect ctx cancellation; a cancelled call leaves the last
// written checkpoint intact.
type Trainer interface {
	// Train runs one supervised training pass.
	Train(ctx context.Context, req Request) (*Result, error)

	// TrainRewardModel fits a scoring function from preference pairs.
	// Returns the reward-model checkpoint.
	TrainRewardModel(ctx context.Context, req Request, pairs []PreferencePair) (string, error)

	// PolicyStep runs one policy-optimization iteration: sample rollouts,
	// score them against the reward model, update the policy.
	PolicyStep(ctx context.Context, req Request, rewardCheckpoint string) (*Result, []RolloutScore, error)
}

// Evaluator is the port interface for running a checkpoint against held-out
// data during the VALIDATING phase.
type Evaluator interface {
	Evaluate(ctx context.Context, checkpoint, datasetURL string) (trainjob.Metrics, error)
}
