// Package dataset defines the versioned, immutable Dataset entity produced by
// the curator.
package dataset

import (
	"errors"
	"time"
)

// Split names the three partitions of a curated dataset.
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
	SplitTest       Split = "test"
)

// Stats captures the composition of a dataset version at creation time.
type Stats struct {
	ByDomain     map[string]int `json:"by_domain"`
	ByTaskType   map[string]int `json:"by_task_type"`
	ByDifficulty map[string]int `json:"by_difficulty"` // easy/medium/hard buckets
	QualityMean  float64        `json:"quality_mean"`
	QualityStd   float64        `json:"quality_std"`
}

// Dataset is one immutable version of a curated dataset. Content and checksum
// never change after creation; corrections produce a new version.
type Dataset struct {
	ID              string    `json:"id"`
	Version         int       `json:"version"` // monotonically increasing per id
	TrainCount      int       `json:"train_count"`
	ValidationCount int       `json:"validation_count"`
	TestCount       int       `json:"test_count"`
	Stats           Stats     `json:"stats"`
	Location        string    `json:"location"` // object-store key prefix
	Checksum        string    `json:"checksum"` // blake2b over the serialized example set
	CreatedAt       time.Time `json:"created_at"`
}

// Total returns the number of examples across all splits.
func (d *Dataset) Total() int {
	return d.TrainCount + d.ValidationCount + d.TestCount
}

// SplitRatio is the fraction of examples assigned to each partition.
type SplitRatio struct {
	Train      float64 `json:"train" yaml:"train"`
	Validation float64 `json:"validation" yaml:"validation"`
	Test       float64 `json:"test" yaml:"test"`
}

// Validate checks that the ratio covers the whole set.
func (r SplitRatio) Validate() error {
	if r.Train <= 0 || r.Validation < 0 || r.Test < 0 {
		return errors.New("split ratios must be positive")
	}
	sum := r.Train + r.Validation + r.Test
	if sum < 0.999 || sum > 1.001 {
		return errors.New("split ratios must sum to 1.0")
	}
	return nil
}

// DefaultSplitRatio is the 80/10/10 partition used when none is configured.
func DefaultSplitRatio() SplitRatio {
	return SplitRatio{Train: 0.8, Validation: 0.1, Test: 0.1}
}
