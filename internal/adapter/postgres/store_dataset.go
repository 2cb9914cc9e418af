package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/dataset"
)

const datasetColumns = `id, version, train_count, validation_count, test_count, stats, location, checksum, created_at`

func scanDataset(scanner interface{ Scan(dest ...any) error }) (dataset.Dataset, error) {
	var ds dataset.Dataset
	var stats []byte
	err := scanner.Scan(&ds.ID, &ds.Version, &ds.TrainCount, &ds.ValidationCount,
		&ds.TestCount, &stats, &ds.Location, &ds.Checksum, &ds.CreatedAt)
	if err != nil {
		return ds, err
	}
	if err := json.Unmarshal(stats, &ds.Stats); err != nil {
		return ds, fmt.Errorf("unmarshal stats: %w", err)
	}
	return ds, nil
}

// CreateDataset inserts a new immutable dataset version.
func (s *Store) CreateDataset(ctx context.Context, ds *dataset.Dataset) error {
	stats, err := json.Marshal(ds.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO datasets (id, version, train_count, validation_count, test_count, stats, location, checksum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ds.ID, ds.Version, ds.TrainCount, ds.ValidationCount, ds.TestCount, stats, ds.Location, ds.Checksum, ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dataset %s v%d: %w", ds.ID, ds.Version, err)
	}
	return nil
}

// GetDataset returns a specific dataset version.
func (s *Store) GetDataset(ctx context.Context, id string, version int) (*dataset.Dataset, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM datasets WHERE id = $1 AND version = $2`, datasetColumns),
		id, version)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dataset %s v%d: %w", id, version, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get dataset %s v%d: %w", id, version, err)
	}
	return &ds, nil
}

// LatestDataset returns the highest version for a dataset id.
func (s *Store) LatestDataset(ctx context.Context, id string) (*dataset.Dataset, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM datasets WHERE id = $1 ORDER BY version DESC LIMIT 1`, datasetColumns), id)

	ds, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dataset %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("latest dataset %s: %w", id, err)
	}
	return &ds, nil
}

// NextDatasetVersion returns the next monotonically increasing version number.
func (s *Store) NextDatasetVersion(ctx context.Context, id string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM datasets WHERE id = $1`, id).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next dataset version %s: %w", id, err)
	}
	return next, nil
}
