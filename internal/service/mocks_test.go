package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/dataset"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/evaluator"
	"github.com/forgeml/refinery/internal/port/messagequeue"
	"github.com/forgeml/refinery/internal/port/trainer"
)

func testMetrics(t *testing.T) *otel.Metrics {
	t.Helper()
	m, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

// mockStore is an in-memory database.Store for service tests.
type mockStore struct {
	mu        sync.Mutex
	examples  map[string]example.TrainingExample // keyed by execution_id
	pending   map[string]pendingEntry
	reviews   []database.ReviewItem
	datasets  map[string]*dataset.Dataset // keyed by id:version
	jobs      map[string]*trainjob.Job
	models    map[string]*model.Version
	approvals map[string]*model.Approval
	baselines map[string]float64
	audit     []database.AuditEntry

	createExampleErr error
	parkTraceErr     error
	updateJobErr     error
}

type pendingEntry struct {
	trace    example.Trace
	deadline time.Time
}

func newMockStore() *mockStore {
	return &mockStore{
		examples:  make(map[string]example.TrainingExample),
		pending:   make(map[string]pendingEntry),
		datasets:  make(map[string]*dataset.Dataset),
		jobs:      make(map[string]*trainjob.Job),
		models:    make(map[string]*model.Version),
		approvals: make(map[string]*model.Approval),
		baselines: make(map[string]float64),
	}
}

func (m *mockStore) CreateExample(_ context.Context, ex *example.TrainingExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createExampleErr != nil {
		return m.createExampleErr
	}
	if _, ok := m.examples[ex.ExecutionID]; ok {
		return nil // mirrors ON CONFLICT DO NOTHING
	}
	m.examples[ex.ExecutionID] = *ex
	return nil
}

// curable mirrors the adapter's pool predicate: review-pending and
// review-rejected examples never reach curation.
func curable(ex *example.TrainingExample) bool {
	return ex.Status != example.StatusPendingReview && ex.Status != example.StatusRejected
}

func (m *mockStore) ListAcceptedExamples(_ context.Context, limit int) ([]example.TrainingExample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []example.TrainingExample
	for _, ex := range m.examples {
		if !curable(&ex) {
			continue
		}
		out = append(out, ex)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) CountAcceptedExamples(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ex := range m.examples {
		if curable(&ex) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) MarkExamplesCurated(_ context.Context, ids []string, datasetID string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for execID, ex := range m.examples {
		for _, id := range ids {
			if ex.ID == id {
				delete(m.examples, execID)
			}
		}
	}
	_ = datasetID
	return nil
}

func (m *mockStore) ParkTrace(_ context.Context, tr *example.Trace, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parkTraceErr != nil {
		return m.parkTraceErr
	}
	m.pending[tr.ExecutionID] = pendingEntry{trace: *tr, deadline: deadline}
	return nil
}

func (m *mockStore) TakePendingTrace(_ context.Context, executionID string) (*example.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[executionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(m.pending, executionID)
	return &entry.trace, nil
}

func (m *mockStore) ExpirePendingTraces(_ context.Context, now time.Time) ([]example.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []example.Trace
	for id, entry := range m.pending {
		if entry.deadline.Before(now) {
			expired = append(expired, entry.trace)
			delete(m.pending, id)
		}
	}
	return expired, nil
}

func (m *mockStore) EnqueueReview(_ context.Context, item *database.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reviews {
		if m.reviews[i].ExampleID == item.ExampleID {
			return nil // mirrors ON CONFLICT (example_id) DO NOTHING
		}
	}
	m.reviews = append(m.reviews, *item)
	return nil
}

func (m *mockStore) ListPendingReviews(_ context.Context) ([]database.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.ReviewItem
	for _, r := range m.reviews {
		if !r.Decided {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) DecideReview(_ context.Context, id string, accepted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reviews {
		if m.reviews[i].ID != id || m.reviews[i].Decided {
			continue
		}
		m.reviews[i].Decided = true
		m.reviews[i].Accepted = accepted

		status := example.StatusRejected
		if accepted {
			status = example.StatusAccepted
		}
		for execID, ex := range m.examples {
			if ex.ID == m.reviews[i].ExampleID {
				ex.Status = status
				m.examples[execID] = ex
			}
		}
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateDataset(_ context.Context, ds *dataset.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s:%d", ds.ID, ds.Version)
	if _, ok := m.datasets[key]; ok {
		return domain.ErrConflict
	}
	cp := *ds
	m.datasets[key] = &cp
	return nil
}

func (m *mockStore) GetDataset(_ context.Context, id string, version int) (*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[fmt.Sprintf("%s:%d", id, version)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (m *mockStore) LatestDataset(_ context.Context, id string) (*dataset.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *dataset.Dataset
	for _, ds := range m.datasets {
		if ds.ID == id && (latest == nil || ds.Version > latest.Version) {
			latest = ds
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *mockStore) NextDatasetVersion(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, ds := range m.datasets {
		if ds.ID == id && ds.Version > max {
			max = ds.Version
		}
	}
	return max + 1, nil
}

func (m *mockStore) CreateJob(_ context.Context, job *trainjob.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockStore) GetJob(_ context.Context, id string) (*trainjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockStore) UpdateJob(_ context.Context, job *trainjob.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateJobErr != nil {
		return m.updateJobErr
	}
	stored, ok := m.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != job.Version {
		return domain.ErrConflict
	}
	job.Version++
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockStore) ListJobsByState(_ context.Context, state trainjob.State) ([]trainjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trainjob.Job
	for _, job := range m.jobs {
		if job.State == state {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *mockStore) CreateModelVersion(_ context.Context, v *model.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[v.ID]; ok {
		return domain.ErrConflict
	}
	cp := *v
	m.models[v.ID] = &cp
	return nil
}

func (m *mockStore) GetModelVersion(_ context.Context, id string) (*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.models[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *mockStore) ModelVersionExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.models[id]
	return ok, nil
}

func (m *mockStore) UpdateModelVersion(_ context.Context, v *model.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.models[v.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.RowVersion != v.RowVersion {
		return domain.ErrConflict
	}
	v.RowVersion++
	cp := *v
	m.models[v.ID] = &cp
	return nil
}

func (m *mockStore) ListModelVersions(_ context.Context) ([]model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Version
	for _, v := range m.models {
		out = append(out, *v)
	}
	return out, nil
}

func (m *mockStore) ListByStage(_ context.Context, stage model.Stage) ([]model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Version
	for _, v := range m.models {
		if v.Stage == stage {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *mockStore) PriorProduction(_ context.Context, excludeID string) (*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.Version
	for _, v := range m.models {
		if v.ID == excludeID || v.PromotedAt == nil {
			continue
		}
		if best == nil || v.PromotedAt.After(*best.PromotedAt) {
			best = v
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *mockStore) CreateApproval(_ context.Context, a *model.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.approvals[a.ModelID] = &cp
	return nil
}

func (m *mockStore) GetApproval(_ context.Context, modelID string) (*model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[modelID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) GetDomainBaseline(_ context.Context, domainName string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.baselines[domainName]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return b, nil
}

func (m *mockStore) SetDomainBaseline(_ context.Context, domainName string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[domainName] = score
	return nil
}

func (m *mockStore) AppendAudit(_ context.Context, entry *database.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, kind string, limit int) ([]database.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.AuditEntry
	for _, e := range m.audit {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// mockQueue records published messages.
type mockQueue struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) bySubject(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, p := range m.published {
		if p.subject == subject {
			out = append(out, p.data)
		}
	}
	return out
}

// mockObjectStore is an in-memory objectstore.Store.
type mockObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{objects: make(map[string][]byte)}
}

func (m *mockObjectStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return fmt.Errorf("key %s already exists: %w", key, domain.ErrConflict)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *mockObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (m *mockObjectStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockObjectStore) URL(key string) string { return "mock://bucket/" + key }

// mockTrainer scripts training outcomes per call.
type mockTrainer struct {
	mu          sync.Mutex
	trainCalls  []trainer.Request
	trainFn     func(call int, req trainer.Request) (*trainer.Result, error)
	rewardFn    func(req trainer.Request, pairs []trainer.PreferencePair) (string, error)
	policyFn    func(iter int, req trainer.Request) (*trainer.Result, []trainer.RolloutScore, error)
	policyCalls int
}

func (m *mockTrainer) Train(_ context.Context, req trainer.Request) (*trainer.Result, error) {
	m.mu.Lock()
	m.trainCalls = append(m.trainCalls, req)
	call := len(m.trainCalls)
	fn := m.trainFn
	m.mu.Unlock()
	if fn != nil {
		return fn(call, req)
	}
	return &trainer.Result{
		Checkpoint: fmt.Sprintf("ckpt-%s-%d", req.JobID, call),
		Metrics:    trainjob.Metrics{Loss: 0.2, Accuracy: 0.9, StepsComplete: 100, StepsTotal: 100},
	}, nil
}

func (m *mockTrainer) TrainRewardModel(_ context.Context, req trainer.Request, pairs []trainer.PreferencePair) (string, error) {
	if m.rewardFn != nil {
		return m.rewardFn(req, pairs)
	}
	return "reward-" + req.JobID, nil
}

func (m *mockTrainer) PolicyStep(_ context.Context, req trainer.Request, rewardCheckpoint string) (*trainer.Result, []trainer.RolloutScore, error) {
	m.mu.Lock()
	m.policyCalls++
	iter := m.policyCalls
	fn := m.policyFn
	m.mu.Unlock()
	_ = rewardCheckpoint
	if fn != nil {
		return fn(iter, req)
	}
	return &trainer.Result{
			Checkpoint: fmt.Sprintf("policy-%s-%d", req.JobID, iter),
			Metrics:    trainjob.Metrics{Reward: 0.5, StepsComplete: iter, StepsTotal: req.Params.PolicyIters},
		}, []trainer.RolloutScore{
			{Reward: 0.5, KLDivergence: 0.01},
		}, nil
}

// mockJobEvaluator scripts held-out validation outcomes.
type mockJobEvaluator struct {
	fn func(checkpoint, datasetURL string) (trainjob.Metrics, error)
}

func (m *mockJobEvaluator) Evaluate(_ context.Context, checkpoint, datasetURL string) (trainjob.Metrics, error) {
	if m.fn != nil {
		return m.fn(checkpoint, datasetURL)
	}
	return trainjob.Metrics{Accuracy: 0.9, Loss: 0.2}, nil
}

// mockGateEvaluator scripts measurement reports for the validation gate.
type mockGateEvaluator struct {
	regression *evaluator.RegressionReport
	benchmark  *evaluator.BenchmarkReport
	safety     *evaluator.SafetyReport
	diversity  *evaluator.DiversityReport
	p99        float64

	regressionErr error
}

func (m *mockGateEvaluator) Regression(_ context.Context, _ string) (*evaluator.RegressionReport, error) {
	if m.regressionErr != nil {
		return nil, m.regressionErr
	}
	if m.regression != nil {
		return m.regression, nil
	}
	return &evaluator.RegressionReport{PassRate: 1, Accuracy: 0.9, BaselineAccuracy: 0.88}, nil
}

func (m *mockGateEvaluator) Benchmark(_ context.Context, _ string) (*evaluator.BenchmarkReport, error) {
	if m.benchmark != nil {
		return m.benchmark, nil
	}
	return &evaluator.BenchmarkReport{
		Accuracy: 0.9, BaselineAccuracy: 0.88,
		LatencyP99MS: 800, TokenCost: 1.0, BaselineTokenCost: 1.0,
	}, nil
}

func (m *mockGateEvaluator) Safety(_ context.Context, _ string) (*evaluator.SafetyReport, error) {
	if m.safety != nil {
		return m.safety, nil
	}
	return &evaluator.SafetyReport{InjectionResisted: true}, nil
}

func (m *mockGateEvaluator) Diversity(_ context.Context, _ string) (*evaluator.DiversityReport, error) {
	if m.diversity != nil {
		return m.diversity, nil
	}
	return &evaluator.DiversityReport{
		PerTaskType:         map[string]float64{"codegen": 0.9},
		BaselinePerTaskType: map[string]float64{"codegen": 0.88},
	}, nil
}

func (m *mockGateEvaluator) LatencyProfile(_ context.Context, _ string) (float64, error) {
	if m.p99 > 0 {
		return m.p99, nil
	}
	return 800, nil
}
