package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/port/messagequeue"
)

type stubRollbacker struct {
	calls   int
	reasons []string
}

func (s *stubRollbacker) Rollback(_ context.Context, reason, _ string) (*model.Version, error) {
	s.calls++
	s.reasons = append(s.reasons, reason)
	return &model.Version{ID: "prior"}, nil
}

type healthFixture struct {
	svc      *HealthService
	store    *mockStore
	queue    *mockQueue
	rollback *stubRollbacker
}

func newHealthFixture(t *testing.T) *healthFixture {
	t.Helper()
	fx := &healthFixture{
		store:    newMockStore(),
		queue:    &mockQueue{},
		rollback: &stubRollbacker{},
	}
	fx.svc = NewHealthService(fx.store, fx.queue, fx.rollback, testMetrics(t), config.Defaults().Health)
	return fx
}

func TestObserveSeedsBaseline(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Observe(ctx, "data", 96); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	baseline, err := fx.store.GetDomainBaseline(ctx, "data")
	if err != nil {
		t.Fatalf("GetDomainBaseline() error = %v", err)
	}
	if baseline != 96 {
		t.Errorf("baseline = %v, want 96", baseline)
	}
}

func TestObserveTripsHaltOnConsecutiveRegressions(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Observe(ctx, "data", 96); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}

	// Threshold is 95% of 96 = 91.2; three consecutive models below it.
	if err := fx.svc.Observe(ctx, "data", 91); err != nil {
		t.Fatalf("first regression: %v", err)
	}
	if err := fx.svc.Observe(ctx, "data", 88); err != nil {
		t.Fatalf("second regression: %v", err)
	}
	err := fx.svc.Observe(ctx, "data", 85)
	if !errors.Is(err, domain.ErrHalted) {
		t.Fatalf("third regression error = %v, want ErrHalted", err)
	}

	if !fx.svc.Halted("data") {
		t.Error("domain not halted")
	}
	if !fx.svc.AnyHalted() {
		t.Error("AnyHalted() = false")
	}
	if fx.rollback.calls != 1 {
		t.Errorf("rollbacks = %d, want 1", fx.rollback.calls)
	}

	haltAudited := false
	for _, e := range fx.store.audit {
		if e.Kind == "halt" && e.EntityID == "data" {
			haltAudited = true
		}
	}
	if !haltAudited {
		t.Error("halt not audit-logged")
	}

	alerts := fx.queue.bySubject(messagequeue.SubjectPipelineAlert)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	var alert messagequeue.PipelineAlertPayload
	if err := json.Unmarshal(alerts[0], &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Code != "NEGATIVE_FEEDBACK_LOOP" || alert.Domain != "data" {
		t.Errorf("alert = %+v", alert)
	}
}

func TestObserveHealthyScoreResetsStreak(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Observe(ctx, "data", 96); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}
	scores := []float64{88, 85, 95, 88, 85} // recovery at 95 breaks the streak
	for _, score := range scores {
		if err := fx.svc.Observe(ctx, "data", score); err != nil {
			t.Fatalf("Observe(%v) error = %v", score, err)
		}
	}
	if fx.svc.Halted("data") {
		t.Error("halted despite recovery inside the window")
	}
}

func TestObserveRaisesBaseline(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Observe(ctx, "data", 90); err != nil {
		t.Fatalf("seed baseline: %v", err)
	}
	if err := fx.svc.Observe(ctx, "data", 95); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	baseline, _ := fx.store.GetDomainBaseline(ctx, "data")
	if baseline != 95 {
		t.Errorf("baseline = %v, want raised to 95", baseline)
	}
}

func TestHaltsAreIndependentPerDomain(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Observe(ctx, "data", 96); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fx.svc.Observe(ctx, "web", 90); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, score := range []float64{80, 78, 75} {
		_ = fx.svc.Observe(ctx, "data", score)
	}

	if !fx.svc.Halted("data") {
		t.Error("data domain not halted")
	}
	if fx.svc.Halted("web") {
		t.Error("web domain halted without regressions")
	}
	if got := fx.svc.HaltedDomains(); len(got) != 1 || got[0] != "data" {
		t.Errorf("HaltedDomains() = %v, want [data]", got)
	}
}

func TestClearLiftsHalt(t *testing.T) {
	fx := newHealthFixture(t)
	ctx := context.Background()

	if err := fx.svc.Clear(ctx, "data", "oncall"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Clear() of healthy domain error = %v, want ErrNotFound", err)
	}

	if err := fx.svc.Observe(ctx, "data", 96); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, score := range []float64{80, 78, 75} {
		_ = fx.svc.Observe(ctx, "data", score)
	}
	if !fx.svc.Halted("data") {
		t.Fatal("halt not tripped")
	}

	if err := fx.svc.Clear(ctx, "data", "oncall"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if fx.svc.Halted("data") {
		t.Error("still halted after clearance")
	}

	cleared := false
	for _, e := range fx.store.audit {
		if e.Kind == "clearance" && e.Actor == "oncall" {
			cleared = true
		}
	}
	if !cleared {
		t.Error("clearance not audit-logged")
	}
}
