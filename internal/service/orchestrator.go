package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/dataset"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/messagequeue"
	"github.com/forgeml/refinery/internal/port/objectstore"
	"github.com/forgeml/refinery/internal/port/trainer"
)

// registrar is the slice of the registry the orchestrator needs on success.
type registrar interface {
	Register(ctx context.Context, job *trainjob.Job, checkpoint string) (*model.Version, error)
}

// haltChecker gates new submissions on pipeline health.
type haltChecker interface {
	AnyHalted() bool
}

// costPerExampleEpoch is the rough per-example-epoch training cost in USD
// used for the submission-time ceiling check.
const costPerExampleEpoch = 0.00002

// OrchestratorService owns training job execution: submission validation,
// the bounded worker pool, the job state machine, retries, and completion
// events. All job state changes flow through the closed transition table.
type OrchestratorService struct {
	store     database.Store
	blobs     objectstore.Store
	queue     messagequeue.Queue
	trainer   trainer.Trainer
	validator trainer.Evaluator
	registry  registrar
	halts     haltChecker
	metrics   *otel.Metrics
	cfg       config.Orchestrator
	now       func() time.Time

	slots   *semaphore.Weighted // GPU-equivalent slots
	pending chan string
	stopped chan struct{} // closed when the dispatcher exits

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(
	store database.Store,
	blobs objectstore.Store,
	queue messagequeue.Queue,
	backend trainer.Trainer,
	validator trainer.Evaluator,
	registry registrar,
	halts haltChecker,
	metrics *otel.Metrics,
	cfg config.Orchestrator,
) *OrchestratorService {
	return &OrchestratorService{
		store:     store,
		blobs:     blobs,
		queue:     queue,
		trainer:   backend,
		validator: validator,
		registry:  registry,
		halts:     halts,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pending:   make(chan string, cfg.QueueSize),
		stopped:   make(chan struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit validates a training request and queues the job. Invalid
// hyperparameters, a missing dataset, a halted pipeline, or a cost estimate
// above the ceiling reject immediately; concurrency pressure never does.
func (s *OrchestratorService) Submit(ctx context.Context, req *trainjob.SubmitRequest) (*trainjob.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	if s.halts != nil && s.halts.AnyHalted() {
		return nil, fmt.Errorf("submission for %s rejected: %w", req.ModelName, domain.ErrHalted)
	}

	ds, err := s.store.LatestDataset(ctx, req.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", req.DatasetID, err)
	}

	estimate := estimateCost(ds.Total(), req)
	if estimate > s.cfg.CostCeiling {
		return nil, fmt.Errorf("estimated cost $%.2f exceeds ceiling $%.2f: %w",
			estimate, s.cfg.CostCeiling, domain.ErrQuotaExceeded)
	}

	job := &trainjob.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		ModelName:      req.ModelName,
		DatasetID:      ds.ID,
		DatasetVersion: ds.Version,
		Params:         req.Params,
		State:          trainjob.StatePending,
		CostEstimate:   estimate,
		SubmittedAt:    s.now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobsSubmitted.Add(ctx, 1)

	// The buffered queue absorbs normal pressure; a full buffer parks the
	// handoff in a goroutine rather than rejecting the submission. The
	// goroutine gives up once the dispatcher stops; the job stays pending
	// in the store and is requeued on the next start.
	select {
	case s.pending <- job.ID:
	default:
		go func() {
			select {
			case s.pending <- job.ID:
			case <-s.stopped:
			}
		}()
	}

	slog.Info("training job submitted",
		"job_id", job.ID, "type", job.Type, "model", job.ModelName,
		"dataset", job.DatasetID, "dataset_version", job.DatasetVersion,
		"cost_estimate", estimate)
	return job, nil
}

func estimateCost(examples int, req *trainjob.SubmitRequest) float64 {
	epochs := req.Params.Epochs
	if req.Type == trainjob.TypeReinforcement {
		epochs += req.Params.RewardEpochs + req.Params.PolicyIters
	}
	return float64(examples) * float64(epochs) * costPerExampleEpoch
}

// Start runs the dispatcher until ctx is cancelled. Each queued job waits
// for a GPU slot and holds it for its whole lifetime. Jobs left pending by
// a previous run are requeued first.
func (s *OrchestratorService) Start(ctx context.Context) {
	defer close(s.stopped)
	go s.requeuePending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-s.pending:
			if err := s.slots.Acquire(ctx, 1); err != nil {
				return
			}
			go func(id string) {
				defer s.slots.Release(1)
				s.execute(ctx, id)
			}(jobID)
		}
	}
}

// requeuePending pushes jobs that were submitted but never dispatched, e.g.
// across a restart, back onto the dispatch queue.
func (s *OrchestratorService) requeuePending(ctx context.Context) {
	jobs, err := s.store.ListJobsByState(ctx, trainjob.StatePending)
	if err != nil {
		slog.Error("list pending jobs", "error", err)
		return
	}
	for i := range jobs {
		select {
		case s.pending <- jobs[i].ID:
		case <-ctx.Done():
			return
		}
	}
	if len(jobs) > 0 {
		slog.Info("requeued pending jobs", "count", len(jobs))
	}
}

// GetStatus returns the job with its current state, metrics, and progress.
func (s *OrchestratorService) GetStatus(ctx context.Context, jobID string) (*trainjob.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return job, nil
}

// Cancel transitions a non-terminal job to CANCELLED and stops its worker.
// The last written checkpoint is preserved.
func (s *OrchestratorService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	if err := job.Transition(trainjob.StateCancelled); err != nil {
		return err
	}
	t := s.now()
	job.CompletedAt = &t
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist cancellation of %s: %w", jobID, err)
	}

	s.mu.Lock()
	cancel, running := s.cancels[jobID]
	s.mu.Unlock()
	if running {
		cancel()
	}

	s.publishCompleted(ctx, job, "cancelled")
	slog.Info("training job cancelled", "job_id", jobID, "checkpoint", job.Checkpoint)
	return nil
}

// execute drives one job from PENDING to a terminal state.
func (s *OrchestratorService) execute(ctx context.Context, jobID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("load queued job", "job_id", jobID, "error", err)
		return
	}
	if job.State != trainjob.StatePending {
		// Cancelled while queued.
		return
	}

	jobCtx, span := otel.StartJobSpan(jobCtx, job.ID, string(job.Type), job.DatasetID)
	defer span.End()
	started := s.now()

	if err := s.advance(ctx, job, trainjob.StateInitializing); err != nil {
		return
	}
	job.StartedAt = &started
	if err := s.advance(ctx, job, trainjob.StatePreparingData); err != nil {
		return
	}

	ds, err := s.store.GetDataset(ctx, job.DatasetID, job.DatasetVersion)
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("resolve dataset: %w", err))
		return
	}

	if err := s.advance(ctx, job, trainjob.StateTraining); err != nil {
		return
	}
	result, err := s.train(jobCtx, job, ds)
	if err != nil {
		if s.abandonIfCancelled(ctx, job) {
			return
		}
		s.fail(ctx, job, err)
		return
	}
	job.Checkpoint = result.Checkpoint
	job.Metrics = result.Metrics

	if err := s.advance(ctx, job, trainjob.StateValidating); err != nil {
		return
	}
	heldOut, err := s.validator.Evaluate(jobCtx, result.Checkpoint, s.blobs.URL(ds.Location))
	if err != nil {
		if s.abandonIfCancelled(ctx, job) {
			return
		}
		s.fail(ctx, job, fmt.Errorf("held-out validation: %w", err))
		return
	}
	job.Metrics.Accuracy = heldOut.Accuracy

	version, err := s.registry.Register(ctx, job, result.Checkpoint)
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("register model: %w", err))
		return
	}
	job.ModelID = version.ID

	completed := s.now()
	job.CompletedAt = &completed
	if err := s.advance(ctx, job, trainjob.StateSuccess); err != nil {
		return
	}

	s.metrics.JobsCompleted.Add(ctx, 1)
	s.metrics.TrainDuration.Record(ctx, completed.Sub(started).Seconds())
	s.publishCompleted(ctx, job, "success")
	slog.Info("training job succeeded",
		"job_id", job.ID, "model_id", job.ModelID, "accuracy", job.Metrics.Accuracy)
}

// train runs the training phase with the retry policy: retryable failures
// adjust parameters and re-enter TRAINING through RETRYING, up to the limit.
func (s *OrchestratorService) train(ctx context.Context, job *trainjob.Job, ds *dataset.Dataset) (*trainer.Result, error) {
	for {
		req := trainer.Request{
			JobID:      job.ID,
			JobType:    job.Type,
			DatasetURL: s.blobs.URL(ds.Location),
			Checkpoint: job.Checkpoint,
			Params:     job.Params,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.TrainTimeout)
		var result *trainer.Result
		var err error
		if job.Type == trainjob.TypeReinforcement {
			result, err = s.trainReinforcement(attemptCtx, job, req, ds)
		} else {
			result, err = s.trainer.Train(attemptCtx, req)
		}
		cancel()

		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !trainer.Retryable(err) || job.RetryCount >= s.cfg.MaxRetries {
			return nil, err
		}

		if err := job.Transition(trainjob.StateRetrying); err != nil {
			return nil, err
		}
		job.RetryCount++
		adjustParams(&job.Params, err)
		if perr := s.store.UpdateJob(ctx, job); perr != nil {
			return nil, fmt.Errorf("persist retry: %w", perr)
		}
		s.metrics.JobRetries.Add(ctx, 1)
		slog.Warn("training attempt failed, retrying with adjusted parameters",
			"job_id", job.ID, "retry", job.RetryCount,
			"batch_size", job.Params.BatchSize, "learning_rate", job.Params.LearningRate,
			"error", err)

		if err := job.Transition(trainjob.StateTraining); err != nil {
			return nil, err
		}
		if perr := s.store.UpdateJob(ctx, job); perr != nil {
			return nil, fmt.Errorf("persist retry: %w", perr)
		}
	}
}

// adjustParams applies the failure-specific retry adjustment.
func adjustParams(p *trainjob.Hyperparameters, err error) {
	switch {
	case errors.Is(err, trainer.ErrResourceExhausted):
		if p.BatchSize > 1 {
			p.BatchSize /= 2
		}
	case errors.Is(err, trainer.ErrNumericDivergence), errors.Is(err, trainer.ErrKLBoundExceeded):
		p.LearningRate /= 2
	}
}

// trainReinforcement runs the two RL phases: reward-model fitting from
// preference pairs, then the policy-optimization loop with the KL guard and
// plateau convergence.
func (s *OrchestratorService) trainReinforcement(ctx context.Context, job *trainjob.Job, req trainer.Request, ds *dataset.Dataset) (*trainer.Result, error) {
	pairs, err := s.preferencePairs(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("build preference pairs: %w", err)
	}
	rewardCkpt, err := s.trainer.TrainRewardModel(ctx, req, pairs)
	if err != nil {
		return nil, fmt.Errorf("reward model: %w", err)
	}
	slog.Info("reward model trained", "job_id", job.ID, "pairs", len(pairs))

	klBound := job.Params.KLBound
	if klBound <= 0 {
		klBound = s.cfg.KLBound
	}
	iters := job.Params.PolicyIters
	if iters <= 0 {
		iters = 20
	}

	var last *trainer.Result
	bestReward := 0.0
	sinceImproved := 0
	klStreak := 0

	for iter := 1; iter <= iters; iter++ {
		result, rollouts, err := s.trainer.PolicyStep(ctx, req, rewardCkpt)
		if err != nil {
			return nil, fmt.Errorf("policy iteration %d: %w", iter, err)
		}
		last = result
		req.Checkpoint = result.Checkpoint

		kl := meanKL(rollouts)
		if kl > klBound {
			klStreak++
			if klStreak > s.cfg.KLGraceIters {
				return nil, fmt.Errorf("kl %.4f above bound %.4f for %d iterations: %w",
					kl, klBound, klStreak, trainer.ErrKLBoundExceeded)
			}
		} else {
			klStreak = 0
		}

		if result.Metrics.Reward > bestReward+s.cfg.PlateauDelta {
			bestReward = result.Metrics.Reward
			sinceImproved = 0
		} else {
			sinceImproved++
			if sinceImproved >= s.cfg.PlateauPatience {
				slog.Info("policy converged on reward plateau",
					"job_id", job.ID, "iteration", iter, "reward", bestReward)
				break
			}
		}
	}
	if last == nil {
		return nil, errors.New("policy loop produced no result")
	}
	return last, nil
}

func meanKL(rollouts []trainer.RolloutScore) float64 {
	if len(rollouts) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rollouts {
		sum += r.KLDivergence
	}
	return sum / float64(len(rollouts))
}

// preferencePairs derives ranked pairs from the dataset's quality scores:
// within each task type, high scorers are preferred over low scorers.
func (s *OrchestratorService) preferencePairs(ctx context.Context, ds *dataset.Dataset) ([]trainer.PreferencePair, error) {
	blob, err := s.blobs.Get(ctx, ds.Location)
	if err != nil {
		return nil, fmt.Errorf("read dataset blob: %w", err)
	}

	byTaskType := make(map[string][]example.TrainingExample)
	dec := json.NewDecoder(bytes.NewReader(blob))
	for dec.More() {
		var rec datasetRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode dataset record: %w", err)
		}
		if rec.Split != dataset.SplitTrain {
			continue
		}
		byTaskType[rec.Example.TaskType] = append(byTaskType[rec.Example.TaskType], rec.Example)
	}

	var pairs []trainer.PreferencePair
	taskTypes := make([]string, 0, len(byTaskType))
	for tt := range byTaskType {
		taskTypes = append(taskTypes, tt)
	}
	sort.Strings(taskTypes)

	for _, tt := range taskTypes {
		group := byTaskType[tt]
		sort.Slice(group, func(i, j int) bool {
			if group[i].QualityScore != group[j].QualityScore {
				return group[i].QualityScore > group[j].QualityScore
			}
			return group[i].ID < group[j].ID
		})
		half := len(group) / 2
		for i := 0; i < half; i++ {
			chosen := group[i]
			rejected := group[len(group)-1-i]
			if chosen.QualityScore <= rejected.QualityScore {
				continue
			}
			pairs = append(pairs, trainer.PreferencePair{
				Prompt:   chosen.Goal,
				Chosen:   chosen.FinalAnswer,
				Rejected: rejected.FinalAnswer,
				Margin:   (chosen.QualityScore - rejected.QualityScore) / 100,
			})
		}
	}
	return pairs, nil
}

// advance persists one state-machine step; an invalid transition or a
// version conflict fails the job rather than corrupting its state.
func (s *OrchestratorService) advance(ctx context.Context, job *trainjob.Job, to trainjob.State) error {
	if err := job.Transition(to); err != nil {
		slog.Error("job transition rejected", "job_id", job.ID, "to", to, "error", err)
		return err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		slog.Error("persist job state", "job_id", job.ID, "state", to, "error", err)
		return err
	}
	return nil
}

// abandonIfCancelled reports whether the job was cancelled out from under the
// worker; the worker then stops without overwriting the terminal state.
func (s *OrchestratorService) abandonIfCancelled(ctx context.Context, job *trainjob.Job) bool {
	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return false
	}
	return current.State == trainjob.StateCancelled
}

// fail moves the job to FAILED, keeping the last good checkpoint and
// flagging it for operator review.
func (s *OrchestratorService) fail(ctx context.Context, job *trainjob.Job, cause error) {
	job.Error = cause.Error()
	job.NeedsReview = true
	completed := s.now()
	job.CompletedAt = &completed
	if err := s.advance(ctx, job, trainjob.StateFailed); err != nil {
		return
	}
	s.metrics.JobsFailed.Add(ctx, 1)
	s.publishCompleted(ctx, job, "failed")
	slog.Error("training job failed",
		"job_id", job.ID, "retries", job.RetryCount,
		"checkpoint", job.Checkpoint, "error", cause)
}

func (s *OrchestratorService) publishCompleted(ctx context.Context, job *trainjob.Job, status string) {
	payload, _ := json.Marshal(messagequeue.JobCompletedPayload{
		JobID:   job.ID,
		Status:  status,
		ModelID: job.ModelID,
		Metrics: map[string]float64{
			"loss":     job.Metrics.Loss,
			"accuracy": job.Metrics.Accuracy,
			"reward":   job.Metrics.Reward,
			"progress": job.Metrics.Progress(),
		},
	})
	if err := s.queue.Publish(ctx, messagequeue.SubjectTrainingJobCompleted, payload); err != nil {
		slog.Error("publish job completed", "job_id", job.ID, "error", err)
	}
}
