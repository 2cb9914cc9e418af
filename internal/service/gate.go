package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/port/evaluator"
)

// PhaseResult is the outcome of one validation phase.
type PhaseResult struct {
	Phase    string `json:"phase"`
	Passed   bool   `json:"passed"`
	HardFail bool   `json:"hard_fail"` // a soft fail only blocks automatic approval
	Detail   string `json:"detail"`
}

// Verdict is the gate's final decision for a candidate model.
type Verdict struct {
	ModelID   string                 `json:"model_id"`
	Status    model.ValidationStatus `json:"status"`
	Phases    []PhaseResult          `json:"phases"`
	Evaluated time.Time              `json:"evaluated"`
}

// GateService runs the validation phases against a candidate model and owns
// the thresholds and verdict. Measurements come from the evaluator port;
// validation failures are never retried automatically.
type GateService struct {
	eval     evaluator.Evaluator
	registry *RegistryService
	metrics  *otel.Metrics
	cfg      config.Gate
	now      func() time.Time
}

// NewGateService creates a GateService.
func NewGateService(eval evaluator.Evaluator, registry *RegistryService, metrics *otel.Metrics, cfg config.Gate) *GateService {
	return &GateService{eval: eval, registry: registry, metrics: metrics, cfg: cfg, now: time.Now}
}

// Validate runs all five phases, records the verdict on the model version,
// and promotes it to staging automatically when approved.
func (s *GateService) Validate(ctx context.Context, modelID string) (*Verdict, error) {
	ctx, span := otel.StartValidationSpan(ctx, modelID)
	defer span.End()

	verdict := &Verdict{ModelID: modelID, Evaluated: s.now()}

	phases := []func(context.Context, string) (PhaseResult, error){
		s.regressionPhase,
		s.performancePhase,
		s.safetyPhase,
		s.diversityPhase,
		s.latencyPhase,
	}
	for _, phase := range phases {
		result, err := phase(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", modelID, err)
		}
		verdict.Phases = append(verdict.Phases, result)
	}

	verdict.Status = decide(verdict.Phases)
	if err := s.registry.SetValidation(ctx, modelID, verdict.Status); err != nil {
		return nil, err
	}

	slog.Info("validation verdict", "model_id", modelID, "status", verdict.Status)

	if verdict.Status == model.ValidationApproved {
		if _, err := s.registry.Promote(ctx, modelID, model.StageStaging, "", "validation gate approved"); err != nil {
			return nil, fmt.Errorf("promote %s to staging: %w", modelID, err)
		}
	}
	return verdict, nil
}

// decide maps phase results onto the three-way verdict: any hard fail
// rejects, soft fails alone require manual sign-off.
func decide(phases []PhaseResult) model.ValidationStatus {
	softFail := false
	for _, p := range phases {
		if p.Passed {
			continue
		}
		if p.HardFail {
			return model.ValidationRejected
		}
		softFail = true
	}
	if softFail {
		return model.ValidationConditional
	}
	return model.ValidationApproved
}

func (s *GateService) regressionPhase(ctx context.Context, modelID string) (PhaseResult, error) {
	report, err := s.eval.Regression(ctx, modelID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("regression phase: %w", err)
	}
	result := PhaseResult{Phase: "regression", Passed: true, HardFail: true}
	drop := report.BaselineAccuracy - report.Accuracy
	switch {
	case report.PassRate < s.cfg.RegressionPassRate:
		result.Passed = false
		result.Detail = fmt.Sprintf("golden pass rate %.3f below %.3f", report.PassRate, s.cfg.RegressionPassRate)
	case drop > s.cfg.MaxAccuracyDrop:
		result.Passed = false
		result.Detail = fmt.Sprintf("accuracy dropped %.3f vs baseline, max %.3f", drop, s.cfg.MaxAccuracyDrop)
	}
	return result, nil
}

func (s *GateService) performancePhase(ctx context.Context, modelID string) (PhaseResult, error) {
	report, err := s.eval.Benchmark(ctx, modelID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("performance phase: %w", err)
	}
	result := PhaseResult{Phase: "performance", Passed: true}
	costRatio := 1.0
	if report.BaselineTokenCost > 0 {
		costRatio = report.TokenCost / report.BaselineTokenCost
	}
	switch {
	case report.Accuracy < report.BaselineAccuracy-s.cfg.MaxAccuracyDrop:
		result.Passed = false
		result.HardFail = true
		result.Detail = fmt.Sprintf("benchmark accuracy %.3f regressed past baseline %.3f", report.Accuracy, report.BaselineAccuracy)
	case report.LatencyP99MS > s.cfg.MaxLatencyP99MS:
		result.Passed = false
		result.Detail = fmt.Sprintf("benchmark p99 %.0fms above %.0fms", report.LatencyP99MS, s.cfg.MaxLatencyP99MS)
	case costRatio > s.cfg.MaxTokenCostRatio:
		result.Passed = false
		result.Detail = fmt.Sprintf("token cost ratio %.2f above %.2f", costRatio, s.cfg.MaxTokenCostRatio)
	}
	return result, nil
}

func (s *GateService) safetyPhase(ctx context.Context, modelID string) (PhaseResult, error) {
	report, err := s.eval.Safety(ctx, modelID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("safety phase: %w", err)
	}
	result := PhaseResult{Phase: "safety", Passed: true, HardFail: true}
	switch {
	case report.BackdoorTriggered:
		result.Passed = false
		result.Detail = "backdoor probe triggered"
	case !report.InjectionResisted:
		result.Passed = false
		result.Detail = "prompt injection not resisted"
	case report.MemorizationLeaked:
		result.Passed = false
		result.Detail = "training data leaked under memorization probe"
	}
	return result, nil
}

func (s *GateService) diversityPhase(ctx context.Context, modelID string) (PhaseResult, error) {
	report, err := s.eval.Diversity(ctx, modelID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("diversity phase: %w", err)
	}
	result := PhaseResult{Phase: "diversity", Passed: true}
	for taskType, baseline := range report.BaselinePerTaskType {
		if baseline <= 0 {
			continue
		}
		got := report.PerTaskType[taskType]
		if got < baseline*s.cfg.DiversityFloor {
			result.Passed = false
			result.Detail = fmt.Sprintf("task type %s at %.3f, below %.0f%% of baseline %.3f",
				taskType, got, s.cfg.DiversityFloor*100, baseline)
			break
		}
	}
	return result, nil
}

func (s *GateService) latencyPhase(ctx context.Context, modelID string) (PhaseResult, error) {
	p99, err := s.eval.LatencyProfile(ctx, modelID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("latency phase: %w", err)
	}
	result := PhaseResult{Phase: "latency", Passed: true}
	if p99 > s.cfg.MaxLatencyP99MS {
		result.Passed = false
		result.Detail = fmt.Sprintf("p99 %.0fms above %.0fms", p99, s.cfg.MaxLatencyP99MS)
	}
	return result, nil
}
