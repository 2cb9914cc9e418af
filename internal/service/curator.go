package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/dataset"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/objectstore"
)

// CuratorService assembles accepted examples into immutable, versioned
// dataset snapshots. At most one curation runs per dataset id at a time.
type CuratorService struct {
	store   database.Store
	blobs   objectstore.Store
	metrics *otel.Metrics
	cfg     config.Curator

	allowLowDiversity bool
	now               func() time.Time

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted // per dataset id
}

// NewCuratorService creates a CuratorService.
func NewCuratorService(
	store database.Store,
	blobs objectstore.Store,
	metrics *otel.Metrics,
	cfg config.Curator,
	allowLowDiversity bool,
) *CuratorService {
	return &CuratorService{
		store:             store,
		blobs:             blobs,
		metrics:           metrics,
		cfg:               cfg,
		allowLowDiversity: allowLowDiversity,
		now:               time.Now,
		locks:             make(map[string]*semaphore.Weighted),
	}
}

// datasetRecord is one JSONL line in a curated snapshot.
type datasetRecord struct {
	Split   dataset.Split           `json:"split"`
	Example example.TrainingExample `json:"example"`
}

// Curate snapshots the current accepted pool into a new version of the
// dataset. A concurrent run for the same id fails with ErrCurationInProgress;
// runs for different ids proceed independently.
func (s *CuratorService) Curate(ctx context.Context, datasetID string) (*dataset.Dataset, error) {
	lock := s.lockFor(datasetID)
	if !lock.TryAcquire(1) {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, domain.ErrCurationInProgress)
	}
	defer lock.Release(1)

	if err := s.cfg.SplitRatio.Validate(); err != nil {
		return nil, fmt.Errorf("split ratio: %w", err)
	}

	examples, err := s.store.ListAcceptedExamples(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list accepted examples: %w", err)
	}
	ctx, span := otel.StartCurationSpan(ctx, datasetID, len(examples))
	defer span.End()

	if len(examples) < s.cfg.MinExamples {
		return nil, fmt.Errorf("have %d accepted examples, need %d: %w",
			len(examples), s.cfg.MinExamples, domain.ErrInsufficientData)
	}

	stats := computeStats(examples)
	if len(stats.ByDomain) < 2 {
		if !s.allowLowDiversity {
			return nil, fmt.Errorf("all %d examples share one domain: %w",
				len(examples), domain.ErrInsufficientData)
		}
		slog.Warn("curating low-diversity dataset", "dataset_id", datasetID, "domains", len(stats.ByDomain))
	}

	version, err := s.store.NextDatasetVersion(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("next version for %s: %w", datasetID, err)
	}

	records := assignSplits(examples, s.cfg.SplitRatio)
	blob, err := encodeJSONL(records)
	if err != nil {
		return nil, fmt.Errorf("serialize dataset: %w", err)
	}
	sum := blake2b.Sum256(blob)
	checksum := hex.EncodeToString(sum[:])

	key := fmt.Sprintf("datasets/%s/v%d/data.jsonl", datasetID, version)
	if err := s.blobs.Put(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("write dataset blob: %w", err)
	}

	ds := &dataset.Dataset{
		ID:        datasetID,
		Version:   version,
		Stats:     stats,
		Location:  key,
		Checksum:  checksum,
		CreatedAt: s.now(),
	}
	for _, rec := range records {
		switch rec.Split {
		case dataset.SplitTrain:
			ds.TrainCount++
		case dataset.SplitValidation:
			ds.ValidationCount++
		case dataset.SplitTest:
			ds.TestCount++
		}
	}

	if err := s.store.CreateDataset(ctx, ds); err != nil {
		return nil, fmt.Errorf("record dataset %s v%d: %w", datasetID, version, err)
	}

	ids := make([]string, 0, len(examples))
	for i := range examples {
		ids = append(ids, examples[i].ID)
	}
	if err := s.store.MarkExamplesCurated(ctx, ids, datasetID, version); err != nil {
		return nil, fmt.Errorf("mark examples curated: %w", err)
	}

	s.metrics.DatasetsCurated.Add(ctx, 1)
	s.metrics.DatasetSize.Record(ctx, int64(ds.Total()))
	slog.Info("dataset curated",
		"dataset_id", datasetID,
		"version", version,
		"train", ds.TrainCount,
		"validation", ds.ValidationCount,
		"test", ds.TestCount,
		"checksum", checksum)
	return ds, nil
}

// Run triggers curation on the configured schedule and on the accumulation
// threshold; it returns when ctx is cancelled.
func (s *CuratorService) Run(ctx context.Context, datasetID string) {
	interval := s.cfg.Schedule
	if interval <= 0 {
		interval = time.Minute // threshold polling only
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.store.CountAcceptedExamples(ctx)
			if err != nil {
				slog.Error("count accepted examples", "error", err)
				continue
			}
			scheduled := s.cfg.Schedule > 0
			if !scheduled && count < s.cfg.TriggerThreshold {
				continue
			}
			if _, err := s.Curate(ctx, datasetID); err != nil {
				slog.Warn("scheduled curation skipped", "dataset_id", datasetID, "error", err)
			}
		}
	}
}

func (s *CuratorService) lockFor(datasetID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[datasetID]
	if !ok {
		lock = semaphore.NewWeighted(1)
		s.locks[datasetID] = lock
	}
	return lock
}

// assignSplits partitions examples into train/validation/test, stratified by
// domain and difficulty bucket. Examples are ordered by id inside each
// stratum, so the same input always yields the same partition.
func assignSplits(examples []example.TrainingExample, ratio dataset.SplitRatio) []datasetRecord {
	strata := make(map[string][]example.TrainingExample)
	var keys []string
	for _, ex := range examples {
		key := ex.Domain + "|" + ex.DifficultyBucket()
		if _, ok := strata[key]; !ok {
			keys = append(keys, key)
		}
		strata[key] = append(strata[key], ex)
	}
	sort.Strings(keys)

	var records []datasetRecord
	for _, key := range keys {
		group := strata[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		n := len(group)
		trainEnd := int(math.Round(ratio.Train * float64(n)))
		validEnd := trainEnd + int(math.Round(ratio.Validation*float64(n)))
		if validEnd > n {
			validEnd = n
		}
		for i, ex := range group {
			split := dataset.SplitTest
			switch {
			case i < trainEnd:
				split = dataset.SplitTrain
			case i < validEnd:
				split = dataset.SplitValidation
			}
			records = append(records, datasetRecord{Split: split, Example: ex})
		}
	}
	return records
}

func encodeJSONL(records []datasetRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// computeStats captures the composition of the example set.
func computeStats(examples []example.TrainingExample) dataset.Stats {
	stats := dataset.Stats{
		ByDomain:     make(map[string]int),
		ByTaskType:   make(map[string]int),
		ByDifficulty: make(map[string]int),
	}
	var sum, sumSq float64
	for i := range examples {
		ex := &examples[i]
		stats.ByDomain[ex.Domain]++
		stats.ByTaskType[ex.TaskType]++
		stats.ByDifficulty[ex.DifficultyBucket()]++
		sum += ex.QualityScore
		sumSq += ex.QualityScore * ex.QualityScore
	}
	n := float64(len(examples))
	if n > 0 {
		stats.QualityMean = sum / n
		variance := sumSq/n - stats.QualityMean*stats.QualityMean
		if variance > 0 {
			stats.QualityStd = math.Sqrt(variance)
		}
	}
	return stats
}
