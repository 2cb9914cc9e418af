package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/messagequeue"
	"github.com/forgeml/refinery/internal/port/objectstore"
)

// RegistryService owns the model version lifecycle: registration, artifact
// integrity, stage transitions, rollback, and retention.
type RegistryService struct {
	store   database.Store
	blobs   objectstore.Store
	queue   messagequeue.Queue
	metrics *otel.Metrics
	cfg     config.Registry

	signKey ed25519.PrivateKey
	now     func() time.Time
}

// NewRegistryService creates a RegistryService. The signing key is loaded
// from the configured seed file, or generated for the process lifetime when
// none is configured.
func NewRegistryService(
	store database.Store,
	blobs objectstore.Store,
	queue messagequeue.Queue,
	metrics *otel.Metrics,
	cfg config.Registry,
) (*RegistryService, error) {
	key, err := loadSigningKey(cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return &RegistryService{
		store:   store,
		blobs:   blobs,
		queue:   queue,
		metrics: metrics,
		cfg:     cfg,
		signKey: key,
		now:     time.Now,
	}, nil
}

func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		slog.Warn("no signing key configured, using ephemeral key")
		return key, nil
	}
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("seed file %s too short: need %d bytes", path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
}

// Register records a successful training run as a new model version in
// DEVELOPMENT. The artifact is checksummed and signed before the version is
// considered deployable. An id collision gets a deterministic numeric suffix.
func (s *RegistryService) Register(ctx context.Context, job *trainjob.Job, checkpoint string) (*model.Version, error) {
	artifact, err := s.blobs.Get(ctx, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", checkpoint, err)
	}
	sum := blake2b.Sum256(artifact)
	checksum := hex.EncodeToString(sum[:])
	signature := hex.EncodeToString(ed25519.Sign(s.signKey, sum[:]))

	id, err := s.uniqueID(ctx, fmt.Sprintf("%s-d%d", job.ModelName, job.DatasetVersion))
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListModelVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	generation := 1
	for i := range existing {
		if existing[i].Name == job.ModelName {
			generation++
		}
	}

	v := &model.Version{
		ID:     id,
		Name:   job.ModelName,
		SemVer: fmt.Sprintf("%d.0.0", generation),
		Lineage: model.Lineage{
			JobID:          job.ID,
			DatasetID:      job.DatasetID,
			DatasetVersion: job.DatasetVersion,
			BaseModel:      job.Params.BaseModel,
		},
		Stage: model.StageDevelopment,
		Metrics: model.PerfMetrics{
			Accuracy: job.Metrics.Accuracy,
		},
		Validation:  model.ValidationPending,
		ArtifactURL: s.blobs.URL(checkpoint),
		Checksum:    checksum,
		Signature:   signature,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateModelVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("create model version %s: %w", id, err)
	}

	slog.Info("model version registered",
		"model_id", v.ID, "name", v.Name, "semver", v.SemVer, "job_id", job.ID)
	return v, nil
}

func (s *RegistryService) uniqueID(ctx context.Context, base string) (string, error) {
	id := base
	for n := 2; ; n++ {
		exists, err := s.store.ModelVersionExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check id %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Verify recomputes the artifact checksum and checks the signature. A
// mismatch quarantines the version: only archival remains possible, the
// failure is audit-logged with full lineage, and it is never retried.
func (s *RegistryService) Verify(ctx context.Context, id string) error {
	v, err := s.store.GetModelVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("get model %s: %w", id, err)
	}

	artifact, err := s.blobs.Get(ctx, artifactKey(v.ArtifactURL))
	if err != nil {
		return fmt.Errorf("read artifact for %s: %w", id, err)
	}
	sum := blake2b.Sum256(artifact)

	sig, err := hex.DecodeString(v.Signature)
	if err == nil && hex.EncodeToString(sum[:]) == v.Checksum &&
		ed25519.Verify(s.signKey.Public().(ed25519.PublicKey), sum[:], sig) {
		return nil
	}

	return s.quarantine(ctx, v, "artifact checksum or signature mismatch")
}

func (s *RegistryService) quarantine(ctx context.Context, v *model.Version, reason string) error {
	v.Quarantined = true
	if err := s.store.UpdateModelVersion(ctx, v); err != nil {
		return fmt.Errorf("quarantine %s: %w", v.ID, err)
	}

	lineage, _ := json.Marshal(v.Lineage)
	if err := s.store.AppendAudit(ctx, &database.AuditEntry{
		Kind:     "quarantine",
		EntityID: v.ID,
		Detail:   reason,
		Lineage:  string(lineage),
	}); err != nil {
		slog.Error("audit quarantine", "model_id", v.ID, "error", err)
	}
	s.publishAlert(ctx, "critical", "registry", "MODEL_QUARANTINED",
		fmt.Sprintf("model %s: %s", v.ID, reason))

	slog.Error("model quarantined", "model_id", v.ID, "reason", reason)
	return fmt.Errorf("model %s: %s: %w", v.ID, reason, domain.ErrQuarantined)
}

// Promote applies a stage transition with its gating rules: staging requires
// gate approval, production additionally requires a persisted approval
// record. The violated precondition is always named in the error.
func (s *RegistryService) Promote(ctx context.Context, id string, to model.Stage, actor, reason string) (*model.Version, error) {
	v, err := s.store.GetModelVersion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}

	switch to {
	case model.StageStaging:
		if v.Validation != model.ValidationApproved {
			return nil, fmt.Errorf("model %s: validation status %s, staging requires approved: %w",
				id, v.Validation, domain.ErrInvalidTransition)
		}
	case model.StageProduction:
		if v.Validation != model.ValidationApproved {
			return nil, fmt.Errorf("model %s: validation status %s, production requires approved: %w",
				id, v.Validation, domain.ErrInvalidTransition)
		}
		if _, err := s.store.GetApproval(ctx, id); err != nil {
			return nil, fmt.Errorf("model %s: no approval record, production requires explicit approval: %w",
				id, domain.ErrInvalidTransition)
		}
	}

	if err := v.TransitionStage(to, reason, actor, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateModelVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("persist stage change %s: %w", id, err)
	}

	if to == model.StageStaging {
		s.publishModelReady(ctx, v)
	}
	slog.Info("model stage changed", "model_id", id, "stage", to, "actor", actor)
	return v, nil
}

// Approve records the explicit production sign-off for a model version.
func (s *RegistryService) Approve(ctx context.Context, id, approver, note string) error {
	if _, err := s.store.GetModelVersion(ctx, id); err != nil {
		return fmt.Errorf("get model %s: %w", id, err)
	}
	if err := s.store.CreateApproval(ctx, &model.Approval{
		ModelID:   id,
		Approver:  approver,
		Note:      note,
		CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("record approval for %s: %w", id, err)
	}
	slog.Info("production approval recorded", "model_id", id, "approver", approver)
	return nil
}

// SetValidation records the validation gate's verdict on a version.
func (s *RegistryService) SetValidation(ctx context.Context, id string, status model.ValidationStatus) error {
	v, err := s.store.GetModelVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("get model %s: %w", id, err)
	}
	v.Validation = status
	if err := s.store.UpdateModelVersion(ctx, v); err != nil {
		return fmt.Errorf("persist validation status %s: %w", id, err)
	}
	return nil
}

// Rollback demotes the current production version and republishes the
// immediately prior production version for serving. Returns the version now
// serving, or nil if no prior production exists.
func (s *RegistryService) Rollback(ctx context.Context, reason, actor string) (*model.Version, error) {
	current, err := s.currentProduction(ctx)
	if err != nil {
		return nil, err
	}
	if err := current.TransitionStage(model.StageRollback, reason, actor, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateModelVersion(ctx, current); err != nil {
		return nil, fmt.Errorf("persist rollback of %s: %w", current.ID, err)
	}
	if err := s.store.AppendAudit(ctx, &database.AuditEntry{
		Kind:     "rollback",
		EntityID: current.ID,
		Detail:   reason,
		Actor:    actor,
	}); err != nil {
		slog.Error("audit rollback", "error", err)
	}

	prior, err := s.store.PriorProduction(ctx, current.ID)
	if err != nil {
		slog.Warn("rollback with no prior production version", "rolled_back", current.ID)
		return nil, nil
	}
	s.publishModelReady(ctx, prior)
	slog.Info("rolled back to prior production version",
		"rolled_back", current.ID, "serving", prior.ID, "reason", reason)
	return prior, nil
}

func (s *RegistryService) currentProduction(ctx context.Context) (*model.Version, error) {
	versions, err := s.store.ListByStage(ctx, model.StageProduction)
	if err != nil {
		return nil, fmt.Errorf("list production versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no production version: %w", domain.ErrNotFound)
	}
	current := &versions[0]
	for i := range versions {
		if versions[i].PromotedAt != nil &&
			(current.PromotedAt == nil || versions[i].PromotedAt.After(*current.PromotedAt)) {
			current = &versions[i]
		}
	}
	return current, nil
}

// RunJanitor archives versions past the retention window: rolled-back
// versions unconditionally, production versions only once superseded.
func (s *RegistryService) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				slog.Error("retention sweep", "error", err)
			}
		}
	}
}

func (s *RegistryService) sweep(ctx context.Context) error {
	versions, err := s.store.ListModelVersions(ctx)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.ProductionRetention)

	var latestPromoted time.Time
	for i := range versions {
		if versions[i].Stage == model.StageProduction && versions[i].PromotedAt != nil &&
			versions[i].PromotedAt.After(latestPromoted) {
			latestPromoted = *versions[i].PromotedAt
		}
	}

	for i := range versions {
		v := versions[i]
		stale := false
		switch v.Stage {
		case model.StageRollback:
			stale = v.PromotedAt != nil && v.PromotedAt.Before(cutoff)
		case model.StageProduction:
			stale = v.PromotedAt != nil && v.PromotedAt.Before(cutoff) &&
				v.PromotedAt.Before(latestPromoted)
		}
		if !stale {
			continue
		}
		if err := v.TransitionStage(model.StageArchived, "retention window elapsed", "", s.now()); err != nil {
			slog.Warn("janitor archive skipped", "model_id", v.ID, "error", err)
			continue
		}
		if err := s.store.UpdateModelVersion(ctx, &v); err != nil {
			slog.Error("janitor archive", "model_id", v.ID, "error", err)
			continue
		}
		slog.Info("model version archived", "model_id", v.ID)
	}
	return nil
}

func (s *RegistryService) publishModelReady(ctx context.Context, v *model.Version) {
	payload, _ := json.Marshal(messagequeue.ModelReadyPayload{
		ModelID:          v.ID,
		ArtifactURL:      v.ArtifactURL,
		Checksum:         v.Checksum,
		Signature:        v.Signature,
		ValidationStatus: string(v.Validation),
	})
	if err := s.queue.Publish(ctx, messagequeue.SubjectModelReadyForDeploy, payload); err != nil {
		slog.Error("publish model ready", "model_id", v.ID, "error", err)
	}
}

func (s *RegistryService) publishAlert(ctx context.Context, severity, component, code, detail string) {
	payload, _ := json.Marshal(messagequeue.PipelineAlertPayload{
		Severity:  severity,
		Component: component,
		Code:      code,
		Detail:    detail,
	})
	if err := s.queue.Publish(ctx, messagequeue.SubjectPipelineAlert, payload); err != nil {
		slog.Error("publish alert", "code", code, "error", err)
	}
}

// artifactKey strips the object-store scheme and bucket from a stored URL,
// recovering the key the artifact was written under.
func artifactKey(url string) string {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[j+1:]
	}
	return rest
}
