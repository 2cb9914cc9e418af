package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/port/database"
)

// Decision is the filter's verdict for one example.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReview Decision = "review"
	DecisionReject Decision = "reject"
)

// Scored pairs an example with its filter outcome.
type Scored struct {
	Example  example.TrainingExample
	Score    float64
	Decision Decision
	Reason   string
	Outlier  bool
}

// BatchResult is the deterministic partition of one filtered batch.
type BatchResult struct {
	Accepted []Scored
	Review   []Scored
	Rejected []Scored
}

// FilterService scores, filters, and de-noises extracted examples. Evaluate
// is a pure function of the input order and configuration, so re-running it
// on the same batch reproduces the same partition.
type FilterService struct {
	store   database.Store
	metrics *otel.Metrics
	cfg     config.Filter

	mu     sync.Mutex
	buffer []example.TrainingExample
}

// flushSize is the streaming buffer length that triggers a batch evaluation.
const flushSize = 200

// NewFilterService creates a FilterService.
func NewFilterService(store database.Store, metrics *otel.Metrics, cfg config.Filter) *FilterService {
	return &FilterService{store: store, metrics: metrics, cfg: cfg}
}

// Admit buffers one extracted example and flushes the buffer once it reaches
// the batch size.
func (s *FilterService) Admit(ctx context.Context, ex *example.TrainingExample) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, *ex)
	ready := len(s.buffer) >= flushSize
	s.mu.Unlock()

	if !ready {
		return nil
	}
	return s.Flush(ctx)
}

// Flush evaluates the buffered batch and persists the partition: accepted
// examples enter the curation pool, review candidates are stored pending a
// reviewer's verdict, rejections are counted and dropped. If persistence
// fails partway the batch is re-buffered and retried on the next flush;
// CreateExample and EnqueueReview are idempotent, so replays are safe.
func (s *FilterService) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	result, err := s.Evaluate(batch)
	if err != nil {
		s.metrics.ExamplesRejected.Add(ctx, int64(len(batch)))
		return fmt.Errorf("filter batch: %w", err)
	}

	if err := s.persist(ctx, result); err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		return err
	}

	s.metrics.ExamplesAccepted.Add(ctx, int64(len(result.Accepted)))
	s.metrics.ExamplesReviewed.Add(ctx, int64(len(result.Review)))
	s.metrics.ExamplesRejected.Add(ctx, int64(len(result.Rejected)))

	slog.Info("filter batch flushed",
		"accepted", len(result.Accepted),
		"review", len(result.Review),
		"rejected", len(result.Rejected))
	return nil
}

func (s *FilterService) persist(ctx context.Context, result *BatchResult) error {
	for i := range result.Accepted {
		result.Accepted[i].Example.Status = example.StatusAccepted
		if err := s.store.CreateExample(ctx, &result.Accepted[i].Example); err != nil {
			return fmt.Errorf("persist accepted example: %w", err)
		}
	}

	for i := range result.Review {
		sc := &result.Review[i]
		sc.Example.Status = example.StatusPendingReview
		if err := s.store.CreateExample(ctx, &sc.Example); err != nil {
			return fmt.Errorf("persist review example: %w", err)
		}
		item := &database.ReviewItem{
			ID:        uuid.NewString(),
			ExampleID: sc.Example.ID,
			Reason:    sc.Reason,
			Score:     sc.Score,
			CreatedAt: time.Now(),
		}
		if err := s.store.EnqueueReview(ctx, item); err != nil {
			return fmt.Errorf("enqueue review: %w", err)
		}
	}
	return nil
}

// Evaluate partitions a batch. It processes examples in input order,
// measuring diversity against the examples already accepted earlier in the
// same batch, then excludes statistical outliers. An empty post-filter batch
// is an error, never a silent empty result.
func (s *FilterService) Evaluate(batch []example.TrainingExample) (*BatchResult, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch: %w", domain.ErrInsufficientData)
	}

	result := &BatchResult{}
	acceptedKinds := make(map[string]int) // domain|task_type -> count accepted so far

	for i := range batch {
		sc := s.scoreOne(&batch[i], acceptedKinds, len(result.Accepted))
		switch sc.Decision {
		case DecisionAccept:
			acceptedKinds[kindKey(&sc.Example)]++
			result.Accepted = append(result.Accepted, sc)
		case DecisionReview:
			result.Review = append(result.Review, sc)
		default:
			result.Rejected = append(result.Rejected, sc)
		}
	}

	s.excludeOutliers(result)

	if len(result.Accepted) == 0 {
		return nil, fmt.Errorf("batch of %d left no accepted examples: %w", len(batch), domain.ErrInsufficientData)
	}

	if s.cfg.TargetBatchSize > 0 && len(result.Accepted) > s.cfg.TargetBatchSize {
		result.Accepted = stratifiedSample(result.Accepted, s.cfg.TargetBatchSize)
	}

	return result, nil
}

// scoreOne applies the weighted score and the confidence-graduated decision
// rules to a single example.
func (s *FilterService) scoreOne(ex *example.TrainingExample, acceptedKinds map[string]int, acceptedTotal int) Scored {
	// Confidence below 0.5 bypasses scoring entirely: the signal is too
	// unreliable to filter on, so keep the example but flag it.
	if ex.Confidence < 0.5 {
		flagged := *ex
		flagged.LowConfidence = true
		slog.Debug("low-confidence bypass", "example_id", ex.ID, "confidence", ex.Confidence)
		return Scored{Example: flagged, Decision: DecisionAccept, Reason: "low-confidence bypass"}
	}

	diversity := 1.0
	if acceptedTotal > 0 {
		same := acceptedKinds[kindKey(ex)]
		diversity = 1 - float64(same)/float64(acceptedTotal)
	}

	informativeness := 0.5*ex.Difficulty + 0.5*math.Min(1, float64(len(ex.Actions))/15)

	score := 0.6*(ex.QualityScore/100) + 0.2*ex.Confidence + 0.1*diversity + 0.1*informativeness

	sc := Scored{Example: *ex, Score: score}

	// Mid confidence always goes to a human regardless of score.
	if ex.Confidence < 0.7 {
		sc.Decision = DecisionReview
		sc.Reason = fmt.Sprintf("confidence %.2f in manual-review band", ex.Confidence)
		return sc
	}

	threshold := s.cfg.QualityThreshold
	if ex.Confidence < 0.9 {
		threshold *= 1.1 // stricter bar until the signal is trusted
	}

	switch {
	case score >= threshold && ex.Confidence >= s.cfg.ConfidenceThreshold:
		sc.Decision = DecisionAccept
	case score >= 0.8*threshold:
		sc.Decision = DecisionReview
		sc.Reason = fmt.Sprintf("score %.3f within 80%% of threshold %.3f", score, threshold)
	default:
		sc.Decision = DecisionReject
		sc.Reason = fmt.Sprintf("score %.3f below threshold %.3f", score, threshold)
	}
	return sc
}

// excludeOutliers moves accepted examples whose (score, confidence,
// difficulty) vector is a statistical anomaly into the rejected partition.
func (s *FilterService) excludeOutliers(result *BatchResult) {
	if len(result.Accepted) < 4 {
		return // too few points for meaningful statistics
	}

	features := func(sc *Scored) [3]float64 {
		return [3]float64{sc.Example.QualityScore, sc.Example.Confidence, sc.Example.Difficulty}
	}

	var mean, m2 [3]float64
	n := 0.0
	for i := range result.Accepted {
		n++
		f := features(&result.Accepted[i])
		for d := 0; d < 3; d++ {
			delta := f[d] - mean[d]
			mean[d] += delta / n
			m2[d] += delta * (f[d] - mean[d])
		}
	}
	var std [3]float64
	for d := 0; d < 3; d++ {
		std[d] = math.Sqrt(m2[d] / n)
	}

	kept := result.Accepted[:0]
	for i := range result.Accepted {
		sc := result.Accepted[i]
		f := features(&sc)
		anomalous := false
		for d := 0; d < 3; d++ {
			if std[d] == 0 {
				continue
			}
			if math.Abs(f[d]-mean[d])/std[d] > s.cfg.OutlierZScore {
				anomalous = true
				break
			}
		}
		if anomalous {
			sc.Outlier = true
			sc.Decision = DecisionReject
			sc.Reason = "statistical outlier"
			result.Rejected = append(result.Rejected, sc)
			continue
		}
		kept = append(kept, sc)
	}
	result.Accepted = kept
}

// stratifiedSample downsamples to target size while preserving the
// domain/task_type/difficulty-bucket proportions of the accepted set.
// Selection within a stratum keeps input order, so the result is deterministic.
func stratifiedSample(accepted []Scored, target int) []Scored {
	strata := make(map[string][]Scored)
	var order []string
	for _, sc := range accepted {
		key := kindKey(&sc.Example) + "|" + sc.Example.DifficultyBucket()
		if _, ok := strata[key]; !ok {
			order = append(order, key)
		}
		strata[key] = append(strata[key], sc)
	}
	sort.Strings(order)

	total := len(accepted)
	out := make([]Scored, 0, target)
	for _, key := range order {
		group := strata[key]
		quota := int(math.Round(float64(len(group)) / float64(total) * float64(target)))
		if quota > len(group) {
			quota = len(group)
		}
		out = append(out, group[:quota]...)
	}

	// Rounding can leave the result slightly off target; trim or top up in
	// stratum order.
	for len(out) > target {
		out = out[:len(out)-1]
	}
	if len(out) < target {
		for _, key := range order {
			for _, sc := range strata[key] {
				if len(out) >= target {
					break
				}
				if !containsExample(out, sc.Example.ID) {
					out = append(out, sc)
				}
			}
		}
	}
	return out
}

func containsExample(scs []Scored, id string) bool {
	for i := range scs {
		if scs[i].Example.ID == id {
			return true
		}
	}
	return false
}

func kindKey(ex *example.TrainingExample) string {
	return ex.Domain + "|" + ex.TaskType
}
