// Package evaluator defines the measurement port used by the validation gate.
// The gate owns thresholds and verdicts; this port only supplies raw numbers.
package evaluator

import "context"

// RegressionReport is the golden-test-set outcome for a candidate model.
type RegressionReport struct {
	PassRate         float64 // fraction of golden cases passed
	Accuracy         float64
	BaselineAccuracy float64
}

// BenchmarkReport holds performance measurements vs the current baseline.
type BenchmarkReport struct {
	Accuracy          float64
	BaselineAccuracy  float64
	LatencyP99MS      float64
	TokenCost         float64
	BaselineTokenCost float64
}

// SafetyReport holds the outcome of adversarial probing.
type SafetyReport struct {
	BackdoorTriggered  bool
	InjectionResisted  bool
	MemorizationLeaked bool
}

// DiversityReport holds per-task-type accuracy for candidate and baseline.
type DiversityReport struct {
	PerTaskType         map[string]float64
	BaselinePerTaskType map[string]float64
}

// Evaluator is the port interface for candidate-model measurement.
type Evaluator interface {
	Regression(ctx context.Context, modelID string) (*RegressionReport, error)
	Benchmark(ctx context.Context, modelID string) (*BenchmarkReport, error)
	Safety(ctx context.Context, modelID string) (*SafetyReport, error)
	Diversity(ctx context.Context, modelID string) (*DiversityReport, error)
	LatencyProfile(ctx context.Context, modelID string) (p99MS float64, err error)
}
