// Package trainjob defines the TrainingJob entity and its closed state machine.
package trainjob

import (
	"errors"
	"fmt"
	"time"

	"github.com/forgeml/refinery/internal/domain"
)

// Type distinguishes supervised fine-tuning from reinforcement training.
type Type string

const (
	TypeSupervised    Type = "supervised"
	TypeReinforcement Type = "reinforcement"
)

// State is the current position of a job in its lifecycle.
type State string

const (
	StatePending       State = "pending"
	StateInitializing  State = "initializing"
	StatePreparingData State = "preparing_data"
	StateTraining      State = "training"
	StateRetrying      State = "retrying"
	StateValidating    State = "validating"
	StateSuccess       State = "success"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// transitions is the closed transition table. Any pair not listed here is
// rejected. Cancellation is handled separately: every non-terminal state may
// move to cancelled.
var transitions = map[State][]State{
	StatePending:       {StateInitializing},
	StateInitializing:  {StatePreparingData, StateFailed},
	StatePreparingData: {StateTraining, StateFailed},
	StateTraining:      {StateValidating, StateRetrying, StateFailed},
	StateRetrying:      {StateTraining, StateFailed},
	StateValidating:    {StateSuccess, StateFailed},
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	if to == StateCancelled {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Hyperparameters is the full training configuration recorded on a job. The
// record that produced a model is part of its lineage and never mutated after
// submission, except for the retry adjustments applied by the orchestrator.
type Hyperparameters struct {
	BaseModel      string  `json:"base_model"`
	Epochs         int     `json:"epochs"`
	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
	MaxSeqLen      int     `json:"max_seq_len,omitempty"`
	WarmupRatio    float64 `json:"warmup_ratio,omitempty"`
	KLBound        float64 `json:"kl_bound,omitempty"`        // reinforcement only
	RewardEpochs   int     `json:"reward_epochs,omitempty"`   // reinforcement only
	PolicyIters    int     `json:"policy_iters,omitempty"`    // reinforcement only
	RolloutSamples int     `json:"rollout_samples,omitempty"` // reinforcement only
}

// Validate rejects submissions with unusable hyperparameters.
func (h *Hyperparameters) Validate(jobType Type) error {
	if h.BaseModel == "" {
		return errors.New("base_model is required")
	}
	if h.Epochs < 1 {
		return errors.New("epochs must be >= 1")
	}
	if h.BatchSize < 1 {
		return errors.New("batch_size must be >= 1")
	}
	if h.LearningRate <= 0 {
		return errors.New("learning_rate must be > 0")
	}
	if jobType == TypeReinforcement && h.KLBound < 0 {
		return errors.New("kl_bound must be >= 0")
	}
	return nil
}

// Metrics holds the latest observed training measurements for a job.
type Metrics struct {
	Loss          float64 `json:"loss,omitempty"`
	Accuracy      float64 `json:"accuracy,omitempty"`
	Reward        float64 `json:"reward,omitempty"`
	KLDivergence  float64 `json:"kl_divergence,omitempty"`
	StepsComplete int     `json:"steps_complete"`
	StepsTotal    int     `json:"steps_total"`
}

// Progress returns completion as a fraction in [0,1].
func (m Metrics) Progress() float64 {
	if m.StepsTotal <= 0 {
		return 0
	}
	p := float64(m.StepsComplete) / float64(m.StepsTotal)
	if p > 1 {
		return 1
	}
	return p
}

// Job is one training run. Owned exclusively by the orchestrator; all state
// changes go through Transition so the table is enforced in one place.
type Job struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	ModelName      string          `json:"model_name"`
	DatasetID      string          `json:"dataset_id"`
	DatasetVersion int             `json:"dataset_version"`
	Params         Hyperparameters `json:"params"`
	State          State           `json:"state"`
	RetryCount     int             `json:"retry_count"`
	Metrics        Metrics         `json:"metrics"`
	CostEstimate   float64         `json:"cost_estimate"`
	Checkpoint     string          `json:"checkpoint,omitempty"` // last good checkpoint location
	ModelID        string          `json:"model_id,omitempty"`   // set on success
	Error          string          `json:"error,omitempty"`
	NeedsReview    bool            `json:"needs_review,omitempty"`
	Version        int             `json:"version"` // optimistic lock
	SubmittedAt    time.Time       `json:"submitted_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Transition moves the job to the target state, or fails with
// domain.ErrInvalidTransition naming the rejected pair.
func (j *Job) Transition(to State) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("job %s: %s -> %s: %w", j.ID, j.State, to, domain.ErrInvalidTransition)
	}
	j.State = to
	return nil
}

// SubmitRequest holds the fields needed to submit a new training job.
type SubmitRequest struct {
	ModelName string          `json:"model_name"`
	DatasetID string          `json:"dataset_id"`
	Type      Type            `json:"training_type"`
	Params    Hyperparameters `json:"hyperparameters"`
}

// Validate checks the submission surface before any resources are touched.
func (r *SubmitRequest) Validate() error {
	if r.ModelName == "" {
		return errors.New("model_name is required")
	}
	if r.DatasetID == "" {
		return errors.New("dataset_id is required")
	}
	if r.Type != TypeSupervised && r.Type != TypeReinforcement {
		return fmt.Errorf("unknown training_type %q", r.Type)
	}
	return r.Params.Validate(r.Type)
}
