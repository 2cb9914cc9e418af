// Package example defines the TrainingExample domain entity and the upstream
// trace and quality-signal records it is derived from.
package example

import (
	"errors"
	"fmt"
	"time"
)

// SupportedTraceSchema is the execution-trace schema version this pipeline
// understands. A batch carrying any other version is rejected wholesale.
const SupportedTraceSchema = 2

// FailureClass categorizes how an execution ended, as reported by the evaluator.
type FailureClass string

const (
	FailureSuccess             FailureClass = "success"
	FailureConstraintViolation FailureClass = "constraint_violation"
	FailureTimeout             FailureClass = "timeout"
	FailureError               FailureClass = "error"
)

// TraceStep is a single action taken during an execution.
type TraceStep struct {
	Index  int    `json:"index"`
	Tool   string `json:"tool"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
}

// Trace is the raw execution record consumed from upstream producers.
type Trace struct {
	ExecutionID   string      `json:"execution_id"`
	AgentID       string      `json:"agent_id"`
	SchemaVersion int         `json:"schema_version"`
	Goal          string      `json:"goal"`
	Context       string      `json:"context,omitempty"`
	Steps         []TraceStep `json:"steps"`
	FinalAnswer   string      `json:"final_answer"`
	Outcome       string      `json:"outcome"` // self-reported: "success" | "failure"
	CreatedAt     time.Time   `json:"created_at"`
}

// Validate checks the structural requirements for joining a trace.
func (t *Trace) Validate() error {
	if t.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	if t.Goal == "" {
		return errors.New("goal is required")
	}
	if len(t.Steps) == 0 {
		return errors.New("trace has no steps")
	}
	return nil
}

// QualitySignal is the evaluator's verdict for one execution. Produced exactly
// once per execution; the extractor joins it to the matching trace at most once.
type QualitySignal struct {
	ExecutionID  string             `json:"execution_id"`
	EvaluationID string             `json:"evaluation_id"`
	QualityScore float64            `json:"quality_score"` // [0,100]
	Confidence   float64            `json:"confidence"`    // [0,1]
	Failure      FailureClass       `json:"failure_classification"`
	TaskType     string             `json:"task_type"`
	Dimensions   map[string]float64 `json:"dimensions,omitempty"`
}

// Validate checks the signal's score bounds.
func (s *QualitySignal) Validate() error {
	if s.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	if s.QualityScore < 0 || s.QualityScore > 100 {
		return fmt.Errorf("quality_score %.2f outside [0,100]", s.QualityScore)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", s.Confidence)
	}
	return nil
}

// Status tracks an example's eligibility for curation. Examples routed to
// manual review enter the pool only after a reviewer accepts them.
type Status string

const (
	StatusAccepted      Status = "accepted"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

// TrainingExample is one labeled input/output pair derived from a joined
// trace and quality signal. Immutable once created; corrections supersede,
// never edit.
type TrainingExample struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	Goal          string    `json:"goal"`
	Context       string    `json:"context,omitempty"`
	Actions       []string  `json:"actions"`
	FinalAnswer   string    `json:"final_answer"`
	QualityScore  float64   `json:"quality_score"` // [0,100]
	Confidence    float64   `json:"confidence"`    // [0,1]
	TaskType      string    `json:"task_type"`
	Domain        string    `json:"domain"`
	Difficulty    float64   `json:"difficulty"` // [0,1]
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Status        Status    `json:"status"`
	TraceHash     string    `json:"trace_hash"` // content hash of the source trace, for audit
	CreatedAt     time.Time `json:"created_at"`
}

// Validate enforces the score and confidence bounds every stored example
// must satisfy.
func (e *TrainingExample) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	if e.QualityScore < 0 || e.QualityScore > 100 {
		return fmt.Errorf("quality_score %.2f outside [0,100]", e.QualityScore)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", e.Confidence)
	}
	if e.Difficulty < 0 || e.Difficulty > 1 {
		return fmt.Errorf("difficulty %.2f outside [0,1]", e.Difficulty)
	}
	return nil
}

// DifficultyBucket groups difficulty into coarse strata for sampling and
// composition statistics.
func (e *TrainingExample) DifficultyBucket() string {
	switch {
	case e.Difficulty < 0.33:
		return "easy"
	case e.Difficulty < 0.66:
		return "medium"
	default:
		return "hard"
	}
}
