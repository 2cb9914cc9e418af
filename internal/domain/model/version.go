// Package model defines the registered ModelVersion entity and its
// deployment-stage lifecycle.
package model

import (
	"fmt"
	"time"

	"github.com/forgeml/refinery/internal/domain"
)

// Stage is a model's position in its deployment-readiness lifecycle.
type Stage string

const (
	StageDevelopment Stage = "development"
	StageStaging     Stage = "staging"
	StageProduction  Stage = "production"
	StageRollback    Stage = "rollback"
	StageArchived    Stage = "archived"
)

// stageTransitions is the closed stage table. Stage changes are the only
// permitted mutation of a ModelVersion after creation; anything not listed is
// rejected, never silently corrected.
var stageTransitions = map[Stage][]Stage{
	StageDevelopment: {StageStaging, StageArchived},
	StageStaging:     {StageProduction, StageArchived},
	StageProduction:  {StageRollback, StageArchived},
	StageRollback:    {StageArchived},
}

// CanTransition reports whether from -> to is a permitted stage change.
func CanTransition(from, to Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidationStatus is the validation gate's verdict for a version.
type ValidationStatus string

const (
	ValidationPending     ValidationStatus = "pending"
	ValidationApproved    ValidationStatus = "approved"
	ValidationRejected    ValidationStatus = "rejected"
	ValidationConditional ValidationStatus = "conditional" // requires manual sign-off
)

// Lineage records exactly which job, dataset version, and base model produced
// a version. Recorded at registration and never changed.
type Lineage struct {
	JobID          string `json:"job_id"`
	DatasetID      string `json:"dataset_id"`
	DatasetVersion int    `json:"dataset_version"`
	BaseModel      string `json:"base_model"`
}

// StageChange is one entry in a version's append-only stage history.
type StageChange struct {
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"` // empty for automatic transitions
	Timestamp time.Time `json:"timestamp"`
}

// PerfMetrics holds the headline performance numbers for a version.
type PerfMetrics struct {
	Accuracy     float64            `json:"accuracy"`
	LatencyP99MS float64            `json:"latency_p99_ms"`
	TokenCost    float64            `json:"token_cost"`
	PerTaskType  map[string]float64 `json:"per_task_type,omitempty"`
}

// Version is one registered model artifact. The stage field and its history
// are the only mutable parts after creation.
type Version struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	SemVer      string           `json:"semver"`
	Lineage     Lineage          `json:"lineage"`
	Stage       Stage            `json:"stage"`
	Metrics     PerfMetrics      `json:"metrics"`
	Validation  ValidationStatus `json:"validation"`
	ArtifactURL string           `json:"artifact_url"`
	Checksum    string           `json:"checksum"`
	Signature   string           `json:"signature,omitempty"`
	Quarantined bool             `json:"quarantined,omitempty"`
	History     []StageChange    `json:"history"`
	RowVersion  int              `json:"row_version"` // optimistic lock
	CreatedAt   time.Time        `json:"created_at"`
	PromotedAt  *time.Time       `json:"promoted_at,omitempty"` // entered production
}

// TransitionStage applies a stage change, appending to the history, or fails
// with domain.ErrInvalidTransition naming the rejected pair. A quarantined
// version admits only archival.
func (v *Version) TransitionStage(to Stage, reason, actor string, now time.Time) error {
	if v.Quarantined && to != StageArchived {
		return fmt.Errorf("model %s: %w", v.ID, domain.ErrQuarantined)
	}
	if !CanTransition(v.Stage, to) {
		return fmt.Errorf("model %s: %s -> %s: %w", v.ID, v.Stage, to, domain.ErrInvalidTransition)
	}
	v.History = append(v.History, StageChange{
		From:      v.Stage,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		Timestamp: now,
	})
	v.Stage = to
	if to == StageProduction {
		t := now
		v.PromotedAt = &t
	}
	return nil
}

// Approval is the explicit external sign-off required for staging -> production.
type Approval struct {
	ModelID   string    `json:"model_id"`
	Approver  string    `json:"approver"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
