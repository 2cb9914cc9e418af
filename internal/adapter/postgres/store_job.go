package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/trainjob"
)

const jobColumns = `id, type, model_name, dataset_id, dataset_version, params, state,
	retry_count, metrics, cost_estimate, checkpoint, model_id, error, needs_review,
	version, submitted_at, started_at, completed_at`

func scanJob(scanner interface{ Scan(dest ...any) error }) (trainjob.Job, error) {
	var j trainjob.Job
	var params, metrics []byte
	err := scanner.Scan(
		&j.ID, &j.Type, &j.ModelName, &j.DatasetID, &j.DatasetVersion, &params, &j.State,
		&j.RetryCount, &metrics, &j.CostEstimate, &j.Checkpoint, &j.ModelID, &j.Error,
		&j.NeedsReview, &j.Version, &j.SubmittedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal(params, &j.Params); err != nil {
		return j, fmt.Errorf("unmarshal params: %w", err)
	}
	if err := json.Unmarshal(metrics, &j.Metrics); err != nil {
		return j, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return j, nil
}

// CreateJob inserts a new training job in its initial state.
func (s *Store) CreateJob(ctx context.Context, job *trainjob.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	metrics, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO training_jobs (id, type, model_name, dataset_id, dataset_version, params, state,
			retry_count, metrics, cost_estimate, checkpoint, model_id, error, needs_review, version, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.Type, job.ModelName, job.DatasetID, job.DatasetVersion, params, job.State,
		job.RetryCount, metrics, job.CostEstimate, job.Checkpoint, job.ModelID, job.Error,
		job.NeedsReview, job.Version, job.SubmittedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*trainjob.Job, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM training_jobs WHERE id = $1`, jobColumns), id)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

// UpdateJob persists a job mutation under optimistic versioning. The row must
// still carry job.Version; on success the version is bumped in place.
func (s *Store) UpdateJob(ctx context.Context, job *trainjob.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	metrics, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE training_jobs SET state = $2, retry_count = $3, params = $4, metrics = $5,
			checkpoint = $6, model_id = $7, error = $8, needs_review = $9,
			started_at = $10, completed_at = $11, version = version + 1
		 WHERE id = $1 AND version = $12`,
		job.ID, job.State, job.RetryCount, params, metrics,
		job.Checkpoint, job.ModelID, job.Error, job.NeedsReview,
		job.StartedAt, job.CompletedAt, job.Version)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, domain.ErrConflict)
	}
	job.Version++
	return nil
}

// ListJobsByState returns all jobs currently in the given state.
func (s *Store) ListJobsByState(ctx context.Context, state trainjob.State) ([]trainjob.Job, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM training_jobs WHERE state = $1 ORDER BY submitted_at ASC`, jobColumns), state)
	if err != nil {
		return nil, fmt.Errorf("list jobs by state %s: %w", state, err)
	}
	defer rows.Close()

	var jobs []trainjob.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
