// Package database defines the persistence port (interface).
package database

import (
	"context"
	"time"

	"github.com/forgeml/refinery/internal/domain/dataset"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
)

// ReviewItem is one example routed to the manual review queue.
type ReviewItem struct {
	ID        string    `json:"id"`
	ExampleID string    `json:"example_id"`
	Reason    string    `json:"reason"`
	Score     float64   `json:"score"`
	Decided   bool      `json:"decided"`
	Accepted  bool      `json:"accepted"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is one append-only record of a critical or systemic event.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // quarantine, halt, clearance, rollback, schema_mismatch, ...
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail"`
	Lineage   string    `json:"lineage,omitempty"` // JSON blob
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the port interface for all pipeline persistence.
// Updates to jobs and model versions use optimistic versioning: the expected
// row version must match or the call fails with domain.ErrConflict.
type Store interface {
	// Examples. The curation pool is examples not yet claimed by a dataset
	// whose status is accepted; review-pending and review-rejected examples
	// stay out of it. ListAcceptedExamples treats limit <= 0 as no limit.
	CreateExample(ctx context.Context, ex *example.TrainingExample) error
	ListAcceptedExamples(ctx context.Context, limit int) ([]example.TrainingExample, error)
	CountAcceptedExamples(ctx context.Context) (int, error)
	MarkExamplesCurated(ctx context.Context, ids []string, datasetID string, version int) error

	// Pending trace join
	ParkTrace(ctx context.Context, tr *example.Trace, deadline time.Time) error
	TakePendingTrace(ctx context.Context, executionID string) (*example.Trace, error)
	ExpirePendingTraces(ctx context.Context, now time.Time) ([]example.Trace, error)

	// Review queue. DecideReview finalizes the underlying example in the
	// same operation: accept moves it into the curation pool, reject
	// excludes it permanently.
	EnqueueReview(ctx context.Context, item *ReviewItem) error
	ListPendingReviews(ctx context.Context) ([]ReviewItem, error)
	DecideReview(ctx context.Context, id string, accepted bool) error

	// Datasets
	CreateDataset(ctx context.Context, ds *dataset.Dataset) error
	GetDataset(ctx context.Context, id string, version int) (*dataset.Dataset, error)
	LatestDataset(ctx context.Context, id string) (*dataset.Dataset, error)
	NextDatasetVersion(ctx context.Context, id string) (int, error)

	// Training jobs
	CreateJob(ctx context.Context, job *trainjob.Job) error
	GetJob(ctx context.Context, id string) (*trainjob.Job, error)
	UpdateJob(ctx context.Context, job *trainjob.Job) error // bumps job.Version on success
	ListJobsByState(ctx context.Context, state trainjob.State) ([]trainjob.Job, error)

	// Model versions
	CreateModelVersion(ctx context.Context, v *model.Version) error
	GetModelVersion(ctx context.Context, id string) (*model.Version, error)
	ModelVersionExists(ctx context.Context, id string) (bool, error)
	UpdateModelVersion(ctx context.Context, v *model.Version) error // bumps v.RowVersion on success
	ListModelVersions(ctx context.Context) ([]model.Version, error)
	ListByStage(ctx context.Context, stage model.Stage) ([]model.Version, error)
	PriorProduction(ctx context.Context, excludeID string) (*model.Version, error)

	// Approvals
	CreateApproval(ctx context.Context, a *model.Approval) error
	GetApproval(ctx context.Context, modelID string) (*model.Approval, error)

	// Domain baselines for feedback-loop detection
	GetDomainBaseline(ctx context.Context, domainName string) (float64, error)
	SetDomainBaseline(ctx context.Context, domainName string, score float64) error

	// Audit log
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, kind string, limit int) ([]AuditEntry, error)
}
