package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/messagequeue"
)

type registryFixture struct {
	svc   *RegistryService
	store *mockStore
	blobs *mockObjectStore
	queue *mockQueue
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	fx := &registryFixture{
		store: newMockStore(),
		blobs: newMockObjectStore(),
		queue: &mockQueue{},
	}
	svc, err := NewRegistryService(fx.store, fx.blobs, fx.queue, testMetrics(t), config.Defaults().Registry)
	if err != nil {
		t.Fatalf("NewRegistryService() error = %v", err)
	}
	fx.svc = svc
	return fx
}

func (fx *registryFixture) registerModel(t *testing.T, name, jobID string) *model.Version {
	t.Helper()
	ctx := context.Background()
	checkpoint := "checkpoints/" + jobID
	if err := fx.blobs.Put(ctx, checkpoint, []byte("weights-"+jobID)); err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	job := &trainjob.Job{
		ID:             jobID,
		Type:           trainjob.TypeSupervised,
		ModelName:      name,
		DatasetID:      "agent-skills",
		DatasetVersion: 1,
		Params:         trainjob.Hyperparameters{BaseModel: "base-7b", Epochs: 3, BatchSize: 32, LearningRate: 2e-5},
		Metrics:        trainjob.Metrics{Accuracy: 0.9},
	}
	v, err := fx.svc.Register(ctx, job, checkpoint)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return v
}

func TestRegisterCreatesDevelopmentVersion(t *testing.T) {
	fx := newRegistryFixture(t)
	v := fx.registerModel(t, "assistant", "job-1")

	if v.Stage != model.StageDevelopment {
		t.Errorf("stage = %s, want development", v.Stage)
	}
	if v.Validation != model.ValidationPending {
		t.Errorf("validation = %s, want pending", v.Validation)
	}
	if v.Checksum == "" || v.Signature == "" {
		t.Error("artifact not checksummed and signed")
	}
	if v.Lineage.JobID != "job-1" || v.Lineage.DatasetVersion != 1 || v.Lineage.BaseModel != "base-7b" {
		t.Errorf("lineage = %+v", v.Lineage)
	}
	if v.SemVer != "1.0.0" {
		t.Errorf("semver = %s, want 1.0.0", v.SemVer)
	}
}

func TestRegisterSuffixesCollidingIDs(t *testing.T) {
	fx := newRegistryFixture(t)
	first := fx.registerModel(t, "assistant", "job-1")
	second := fx.registerModel(t, "assistant", "job-2")
	third := fx.registerModel(t, "assistant", "job-3")

	if first.ID != "assistant-d1" {
		t.Errorf("first id = %s, want assistant-d1", first.ID)
	}
	if second.ID != "assistant-d1-2" {
		t.Errorf("second id = %s, want assistant-d1-2", second.ID)
	}
	if third.ID != "assistant-d1-3" {
		t.Errorf("third id = %s, want assistant-d1-3", third.ID)
	}
	if second.SemVer != "2.0.0" || third.SemVer != "3.0.0" {
		t.Errorf("semvers = %s, %s", second.SemVer, third.SemVer)
	}
}

func TestVerifyPassesIntactArtifact(t *testing.T) {
	fx := newRegistryFixture(t)
	v := fx.registerModel(t, "assistant", "job-1")

	if err := fx.svc.Verify(context.Background(), v.ID); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyQuarantinesTamperedVersion(t *testing.T) {
	fx := newRegistryFixture(t)
	v := fx.registerModel(t, "assistant", "job-1")
	ctx := context.Background()

	// Simulate a corrupted record: the stored checksum no longer matches
	// the artifact.
	stored, _ := fx.store.GetModelVersion(ctx, v.ID)
	stored.Checksum = "0000"
	if err := fx.store.UpdateModelVersion(ctx, stored); err != nil {
		t.Fatalf("corrupt version: %v", err)
	}

	err := fx.svc.Verify(ctx, v.ID)
	if !errors.Is(err, domain.ErrQuarantined) {
		t.Fatalf("Verify() error = %v, want ErrQuarantined", err)
	}

	after, _ := fx.store.GetModelVersion(ctx, v.ID)
	if !after.Quarantined {
		t.Error("version not quarantined")
	}
	if len(fx.store.audit) == 0 || fx.store.audit[0].Kind != "quarantine" {
		t.Errorf("quarantine not audit-logged: %+v", fx.store.audit)
	}
	if got := after.TransitionStage(model.StageStaging, "", "", time.Now()); !errors.Is(got, domain.ErrQuarantined) {
		t.Errorf("quarantined promotion error = %v, want ErrQuarantined", got)
	}
}

func TestPromoteRequiresGateApproval(t *testing.T) {
	fx := newRegistryFixture(t)
	v := fx.registerModel(t, "assistant", "job-1")
	ctx := context.Background()

	_, err := fx.svc.Promote(ctx, v.ID, model.StageStaging, "", "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Promote() without validation error = %v, want ErrInvalidTransition", err)
	}

	if err := fx.svc.SetValidation(ctx, v.ID, model.ValidationApproved); err != nil {
		t.Fatalf("SetValidation() error = %v", err)
	}
	staged, err := fx.svc.Promote(ctx, v.ID, model.StageStaging, "", "gate approved")
	if err != nil {
		t.Fatalf("Promote() to staging error = %v", err)
	}
	if staged.Stage != model.StageStaging {
		t.Errorf("stage = %s, want staging", staged.Stage)
	}

	ready := fx.queue.bySubject(messagequeue.SubjectModelReadyForDeploy)
	if len(ready) != 1 {
		t.Errorf("model ready events = %d, want 1", len(ready))
	}
}

func TestPromoteToProductionRequiresApprovalRecord(t *testing.T) {
	fx := newRegistryFixture(t)
	v := fx.registerModel(t, "assistant", "job-1")
	ctx := context.Background()

	if err := fx.svc.SetValidation(ctx, v.ID, model.ValidationApproved); err != nil {
		t.Fatalf("SetValidation() error = %v", err)
	}
	if _, err := fx.svc.Promote(ctx, v.ID, model.StageStaging, "", ""); err != nil {
		t.Fatalf("Promote() to staging error = %v", err)
	}

	_, err := fx.svc.Promote(ctx, v.ID, model.StageProduction, "mlops", "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Promote() without approval error = %v, want ErrInvalidTransition", err)
	}

	if err := fx.svc.Approve(ctx, v.ID, "mlops", "load tested"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	prod, err := fx.svc.Promote(ctx, v.ID, model.StageProduction, "mlops", "")
	if err != nil {
		t.Fatalf("Promote() to production error = %v", err)
	}
	if prod.Stage != model.StageProduction {
		t.Errorf("stage = %s, want production", prod.Stage)
	}
	if prod.PromotedAt == nil {
		t.Error("promotion time not recorded")
	}
	if len(prod.History) != 2 {
		t.Errorf("stage history entries = %d, want 2", len(prod.History))
	}
}

func (fx *registryFixture) promoteToProduction(t *testing.T, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	fx.svc.now = func() time.Time { return at }
	if err := fx.svc.SetValidation(ctx, id, model.ValidationApproved); err != nil {
		t.Fatalf("SetValidation(%s): %v", id, err)
	}
	if _, err := fx.svc.Promote(ctx, id, model.StageStaging, "", ""); err != nil {
		t.Fatalf("Promote(%s, staging): %v", id, err)
	}
	if err := fx.svc.Approve(ctx, id, "mlops", ""); err != nil {
		t.Fatalf("Approve(%s): %v", id, err)
	}
	if _, err := fx.svc.Promote(ctx, id, model.StageProduction, "mlops", ""); err != nil {
		t.Fatalf("Promote(%s, production): %v", id, err)
	}
}

func TestRollbackRevertsToPriorProduction(t *testing.T) {
	fx := newRegistryFixture(t)
	older := fx.registerModel(t, "assistant", "job-1")
	newer := fx.registerModel(t, "assistant", "job-2")
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fx.promoteToProduction(t, older.ID, base)
	fx.promoteToProduction(t, newer.ID, base.Add(24*time.Hour))
	ctx := context.Background()

	serving, err := fx.svc.Rollback(ctx, "quality regression", "oncall")
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if serving == nil || serving.ID != older.ID {
		t.Fatalf("serving = %+v, want prior version %s", serving, older.ID)
	}

	rolled, _ := fx.store.GetModelVersion(ctx, newer.ID)
	if rolled.Stage != model.StageRollback {
		t.Errorf("stage = %s, want rollback", rolled.Stage)
	}

	foundAudit := false
	for _, e := range fx.store.audit {
		if e.Kind == "rollback" && e.EntityID == newer.ID {
			foundAudit = true
		}
	}
	if !foundAudit {
		t.Error("rollback not audit-logged")
	}

	// model_ready published for staging of both models plus the re-serve.
	ready := fx.queue.bySubject(messagequeue.SubjectModelReadyForDeploy)
	if len(ready) != 3 {
		t.Errorf("model ready events = %d, want 3", len(ready))
	}
}

func TestRollbackWithoutProduction(t *testing.T) {
	fx := newRegistryFixture(t)

	_, err := fx.svc.Rollback(context.Background(), "reason", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Rollback() error = %v, want ErrNotFound", err)
	}
}

func TestSweepArchivesStaleVersions(t *testing.T) {
	fx := newRegistryFixture(t)
	older := fx.registerModel(t, "assistant", "job-1")
	newer := fx.registerModel(t, "assistant", "job-2")
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fx.promoteToProduction(t, older.ID, base)
	fx.promoteToProduction(t, newer.ID, base.Add(40*24*time.Hour))
	ctx := context.Background()

	// 31 days after the second promotion: the first production version is
	// superseded and past retention, the serving one stays.
	fx.svc.now = func() time.Time { return base.Add(71 * 24 * time.Hour) }
	if err := fx.svc.sweep(ctx); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	archived, _ := fx.store.GetModelVersion(ctx, older.ID)
	if archived.Stage != model.StageArchived {
		t.Errorf("superseded version stage = %s, want archived", archived.Stage)
	}
	serving, _ := fx.store.GetModelVersion(ctx, newer.ID)
	if serving.Stage != model.StageProduction {
		t.Errorf("serving version stage = %s, want production", serving.Stage)
	}
}
