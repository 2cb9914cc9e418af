package messagequeue

import "github.com/forgeml/refinery/internal/domain/example"

// TraceGeneratedPayload is the schema for execution.trace_generated messages.
type TraceGeneratedPayload struct {
	ExecutionID    string              `json:"execution_id"`
	AgentID        string              `json:"agent_id"`
	SchemaVersion  int                 `json:"schema_version"`
	TaskDefinition string              `json:"task_definition"`
	Context        string              `json:"context,omitempty"`
	ExecutionTrace []example.TraceStep `json:"execution_trace"`
	FinalAnswer    string              `json:"final_answer"`
	Outcome        string              `json:"outcome"`
}

// QualityScorePayload is the schema for evaluation.quality_score_computed messages.
type QualityScorePayload struct {
	ExecutionID           string             `json:"execution_id"`
	EvaluationID          string             `json:"evaluation_id"`
	QualityScore          float64            `json:"quality_score"`
	ConfidenceLevel       float64            `json:"confidence_level"`
	FailureClassification string             `json:"failure_classification"`
	TaskType              string             `json:"task_type"`
	Dimensions            map[string]float64 `json:"dimensions,omitempty"`
}

// ModelQualityPayload is the schema for deployment.model_quality_reported
// messages: one deployed model's aggregate quality in a domain.
type ModelQualityPayload struct {
	ModelID      string  `json:"model_id"`
	Domain       string  `json:"domain"`
	QualityScore float64 `json:"quality_score"`
}

// JobCompletedPayload is the schema for learning.training_job_completed messages.
type JobCompletedPayload struct {
	JobID   string             `json:"job_id"`
	Status  string             `json:"status"`
	ModelID string             `json:"model_id,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// ModelReadyPayload is the schema for learning.model_ready_for_deployment messages.
type ModelReadyPayload struct {
	ModelID          string `json:"model_id"`
	ArtifactURL      string `json:"artifact_url"`
	Checksum         string `json:"checksum"`
	Signature        string `json:"signature"`
	ValidationStatus string `json:"validation_status"`
}

// PipelineAlertPayload is the schema for learning.pipeline_alert messages.
type PipelineAlertPayload struct {
	Severity  string `json:"severity"` // warning | critical
	Component string `json:"component"`
	Domain    string `json:"domain,omitempty"`
	Code      string `json:"code"`
	Detail    string `json:"detail"`
}
