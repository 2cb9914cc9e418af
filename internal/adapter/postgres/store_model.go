package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/model"
)

const modelColumns = `id, name, semver, lineage, stage, metrics, validation,
	artifact_url, checksum, signature, quarantined, history, row_version, created_at, promoted_at`

func scanModel(scanner interface{ Scan(dest ...any) error }) (model.Version, error) {
	var v model.Version
	var lineage, metrics, history []byte
	err := scanner.Scan(
		&v.ID, &v.Name, &v.SemVer, &lineage, &v.Stage, &metrics, &v.Validation,
		&v.ArtifactURL, &v.Checksum, &v.Signature, &v.Quarantined, &history,
		&v.RowVersion, &v.CreatedAt, &v.PromotedAt,
	)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(lineage, &v.Lineage); err != nil {
		return v, fmt.Errorf("unmarshal lineage: %w", err)
	}
	if err := json.Unmarshal(metrics, &v.Metrics); err != nil {
		return v, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(history, &v.History); err != nil {
		return v, fmt.Errorf("unmarshal history: %w", err)
	}
	return v, nil
}

// CreateModelVersion inserts a newly registered model version.
func (s *Store) CreateModelVersion(ctx context.Context, v *model.Version) error {
	lineage, err := json.Marshal(v.Lineage)
	if err != nil {
		return fmt.Errorf("marshal lineage: %w", err)
	}
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	history, err := json.Marshal(v.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if v.History == nil {
		history = []byte("[]")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (id, name, semver, lineage, stage, metrics, validation,
			artifact_url, checksum, signature, quarantined, history, row_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		v.ID, v.Name, v.SemVer, lineage, v.Stage, metrics, v.Validation,
		v.ArtifactURL, v.Checksum, v.Signature, v.Quarantined, history, v.RowVersion, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create model version %s: %w", v.ID, err)
	}
	return nil
}

// GetModelVersion returns a model version by id.
func (s *Store) GetModelVersion(ctx context.Context, id string) (*model.Version, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM model_versions WHERE id = $1`, modelColumns), id)

	v, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	return &v, nil
}

// ModelVersionExists reports whether the id is already registered.
func (s *Store) ModelVersionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM model_versions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("model exists %s: %w", id, err)
	}
	return exists, nil
}

// UpdateModelVersion persists a version mutation under optimistic versioning.
func (s *Store) UpdateModelVersion(ctx context.Context, v *model.Version) error {
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	history, err := json.Marshal(v.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE model_versions SET stage = $2, metrics = $3, validation = $4, artifact_url = $5,
			checksum = $6, signature = $7, quarantined = $8, history = $9, promoted_at = $10,
			row_version = row_version + 1
		 WHERE id = $1 AND row_version = $11`,
		v.ID, v.Stage, metrics, v.Validation, v.ArtifactURL,
		v.Checksum, v.Signature, v.Quarantined, history, v.PromotedAt, v.RowVersion)
	if err != nil {
		return fmt.Errorf("update model %s: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update model %s: %w", v.ID, domain.ErrConflict)
	}
	v.RowVersion++
	return nil
}

// ListModelVersions returns all registered versions, newest first.
func (s *Store) ListModelVersions(ctx context.Context) ([]model.Version, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM model_versions ORDER BY created_at DESC`, modelColumns))
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// ListByStage returns versions in the given stage, newest first.
func (s *Store) ListByStage(ctx context.Context, stage model.Stage) ([]model.Version, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM model_versions WHERE stage = $1 ORDER BY created_at DESC`, modelColumns), stage)
	if err != nil {
		return nil, fmt.Errorf("list models by stage %s: %w", stage, err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// PriorProduction returns the most recently promoted model that held
// PRODUCTION before the excluded one. Rollback targets come from here.
func (s *Store) PriorProduction(ctx context.Context, excludeID string) (*model.Version, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM model_versions
			WHERE id != $1 AND promoted_at IS NOT NULL AND stage IN ('production', 'rollback')
			ORDER BY promoted_at DESC LIMIT 1`, modelColumns), excludeID)

	v, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("prior production model: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("prior production model: %w", err)
	}
	return &v, nil
}

func collectModels(rows pgx.Rows) ([]model.Version, error) {
	var versions []model.Version
	for rows.Next() {
		v, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Approvals ---

// CreateApproval records an explicit production sign-off.
func (s *Store) CreateApproval(ctx context.Context, a *model.Approval) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (model_id, approver, note, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (model_id) DO UPDATE SET approver = $2, note = $3, created_at = $4`,
		a.ModelID, a.Approver, a.Note, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create approval for %s: %w", a.ModelID, err)
	}
	return nil
}

// GetApproval returns the approval record for a model, or domain.ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, modelID string) (*model.Approval, error) {
	var a model.Approval
	err := s.pool.QueryRow(ctx,
		`SELECT model_id, approver, note, created_at FROM approvals WHERE model_id = $1`,
		modelID).Scan(&a.ModelID, &a.Approver, &a.Note, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("approval for %s: %w", modelID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get approval for %s: %w", modelID, err)
	}
	return &a, nil
}

// --- Domain baselines ---

// GetDomainBaseline returns the recorded quality baseline for a domain.
func (s *Store) GetDomainBaseline(ctx context.Context, domainName string) (float64, error) {
	var score float64
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM domain_baselines WHERE domain = $1`, domainName).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("baseline for %s: %w", domainName, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("get baseline for %s: %w", domainName, err)
	}
	return score, nil
}

// SetDomainBaseline upserts the quality baseline for a domain.
func (s *Store) SetDomainBaseline(ctx context.Context, domainName string, score float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO domain_baselines (domain, score, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (domain) DO UPDATE SET score = $2, updated_at = now()`,
		domainName, score)
	if err != nil {
		return fmt.Errorf("set baseline for %s: %w", domainName, err)
	}
	return nil
}
