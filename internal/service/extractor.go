package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/adapter/ristretto"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/messagequeue"
)

// ExtractorService joins execution traces with quality signals and emits
// labeled training examples. Traces wait in a parking table up to the join
// timeout; the reaper applies the configured fallback to stragglers.
type ExtractorService struct {
	store   database.Store
	queue   messagequeue.Queue
	dedup   *ristretto.Cache
	filter  *FilterService
	metrics *otel.Metrics
	cfg     config.Extractor
	now     func() time.Time

	parkedMu      sync.Mutex
	parkedSignals map[string]parkedSignal // signal arrived before trace
}

type parkedSignal struct {
	sig *example.QualitySignal
	at  time.Time
}

// NewExtractorService creates an ExtractorService with all dependencies.
func NewExtractorService(
	store database.Store,
	queue messagequeue.Queue,
	dedup *ristretto.Cache,
	filter *FilterService,
	metrics *otel.Metrics,
	cfg config.Extractor,
) *ExtractorService {
	return &ExtractorService{
		store:   store,
		queue:   queue,
		dedup:   dedup,
		filter:  filter,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start subscribes to the upstream subjects and launches the deadline reaper.
// Returned cancel funcs stop the subscriptions; the reaper stops with ctx.
func (s *ExtractorService) Start(ctx context.Context) (func(), error) {
	cancelTraces, err := s.queue.Subscribe(ctx, messagequeue.SubjectTraceGenerated, s.handleTrace)
	if err != nil {
		return nil, fmt.Errorf("subscribe traces: %w", err)
	}

	cancelSignals, err := s.queue.Subscribe(ctx, messagequeue.SubjectQualityScoreComputed, s.handleSignal)
	if err != nil {
		cancelTraces()
		return nil, fmt.Errorf("subscribe signals: %w", err)
	}

	go s.reapLoop(ctx)

	return func() {
		cancelTraces()
		cancelSignals()
	}, nil
}

// handleTrace parses, validates, and parks an incoming trace until its
// quality signal arrives. Malformed traces are skipped and counted; a schema
// version mismatch is fatal to the batch and raised as an operator alert.
func (s *ExtractorService) handleTrace(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.TraceGeneratedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.skipTrace(ctx, "unparseable trace payload", err)
		return nil
	}

	dedupKey := "trace:" + payload.ExecutionID
	if s.dedup.Contains(dedupKey) {
		return nil
	}

	if payload.SchemaVersion != example.SupportedTraceSchema {
		s.alertSchemaMismatch(ctx, payload.ExecutionID, payload.SchemaVersion)
		return fmt.Errorf("execution %s schema v%d: %w",
			payload.ExecutionID, payload.SchemaVersion, domain.ErrSchemaMismatch)
	}

	tr := &example.Trace{
		ExecutionID:   payload.ExecutionID,
		AgentID:       payload.AgentID,
		SchemaVersion: payload.SchemaVersion,
		Goal:          payload.TaskDefinition,
		Context:       payload.Context,
		Steps:         payload.ExecutionTrace,
		FinalAnswer:   payload.FinalAnswer,
		Outcome:       payload.Outcome,
		CreatedAt:     s.now(),
	}
	if err := tr.Validate(); err != nil {
		s.skipTrace(ctx, "malformed trace", err)
		return nil
	}

	// The signal may have arrived first; joining beats parking. The dedup
	// key is marked only once the trace is parked or emitted, so a failed
	// handler stays eligible for redelivery.
	if sig := s.takeParkedSignal(payload.ExecutionID); sig != nil {
		if err := s.emit(ctx, tr, sig); err != nil {
			s.parkSignal(sig)
			return err
		}
		s.dedup.Mark(dedupKey)
		return nil
	}

	deadline := s.now().Add(s.cfg.JoinTimeout)
	if err := s.store.ParkTrace(ctx, tr, deadline); err != nil {
		return fmt.Errorf("park trace %s: %w", tr.ExecutionID, err)
	}
	s.dedup.Mark(dedupKey)
	return nil
}

// handleSignal joins an incoming quality signal to its parked trace. Signals
// without a parked trace are parked themselves in memory: the trace handler
// checks for them on arrival, and the reaper evicts the unmatched ones.
func (s *ExtractorService) handleSignal(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.QualityScorePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("unparseable quality signal", "error", err)
		return nil
	}

	dedupKey := "signal:" + payload.ExecutionID
	if s.dedup.Contains(dedupKey) {
		return nil
	}

	sig := &example.QualitySignal{
		ExecutionID:  payload.ExecutionID,
		EvaluationID: payload.EvaluationID,
		QualityScore: payload.QualityScore,
		Confidence:   payload.ConfidenceLevel,
		Failure:      example.FailureClass(payload.FailureClassification),
		TaskType:     payload.TaskType,
		Dimensions:   payload.Dimensions,
	}
	if err := sig.Validate(); err != nil {
		slog.Warn("invalid quality signal", "execution_id", payload.ExecutionID, "error", err)
		return nil
	}

	tr, err := s.store.TakePendingTrace(ctx, sig.ExecutionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("take pending trace %s: %w", sig.ExecutionID, err)
		}
		// Signal arrived before its trace. Park it in memory; the trace
		// handler picks it up, or the reaper evicts it once the join
		// window has passed.
		s.parkSignal(sig)
		s.dedup.Mark(dedupKey)
		return nil
	}

	if err := s.emit(ctx, tr, sig); err != nil {
		return err
	}
	s.dedup.Mark(dedupKey)
	return nil
}

// reapLoop expires parked traces whose join deadline passed and applies the
// configured fallback path.
func (s *ExtractorService) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap runs one reaper pass: expired traces get the fallback treatment and
// unmatched parked signals are evicted.
func (s *ExtractorService) reap(ctx context.Context) {
	now := s.now()
	s.evictStaleSignals(now)

	expired, err := s.store.ExpirePendingTraces(ctx, now)
	if err != nil {
		slog.Error("expire pending traces", "error", err)
		return
	}
	for i := range expired {
		s.metrics.JoinTimeouts.Add(ctx, 1)
		if err := s.fallback(ctx, &expired[i]); err != nil {
			slog.Error("fallback label failed", "execution_id", expired[i].ExecutionID, "error", err)
		}
	}
}

// fallback labels an unjoined trace from its self-reported outcome at low
// confidence, or discards it, per configuration.
func (s *ExtractorService) fallback(ctx context.Context, tr *example.Trace) error {
	if !s.cfg.FallbackOnTimeout {
		slog.Info("discarding unjoined trace", "execution_id", tr.ExecutionID)
		return nil
	}

	score := 20.0
	failure := example.FailureError
	if tr.Outcome == "success" {
		score = 70.0
		failure = example.FailureSuccess
	}

	sig := &example.QualitySignal{
		ExecutionID:  tr.ExecutionID,
		EvaluationID: "fallback-" + tr.ExecutionID,
		QualityScore: score,
		Confidence:   s.cfg.FallbackConfidence,
		Failure:      failure,
		TaskType:     "unknown",
	}
	slog.Info("labeling unjoined trace from self-reported outcome",
		"execution_id", tr.ExecutionID, "outcome", tr.Outcome)
	return s.emit(ctx, tr, sig)
}

// emit builds the TrainingExample from a joined trace and signal, runs it
// through the quality filter, and persists the outcome.
func (s *ExtractorService) emit(ctx context.Context, tr *example.Trace, sig *example.QualitySignal) error {
	actions := make([]string, 0, len(tr.Steps))
	tools := make(map[string]struct{})
	for _, step := range tr.Steps {
		actions = append(actions, step.Tool+": "+step.Input)
		tools[step.Tool] = struct{}{}
	}

	ex := &example.TrainingExample{
		ID:           uuid.NewString(),
		ExecutionID:  tr.ExecutionID,
		Goal:         tr.Goal,
		Context:      tr.Context,
		Actions:      actions,
		FinalAnswer:  tr.FinalAnswer,
		QualityScore: sig.QualityScore,
		Confidence:   sig.Confidence,
		TaskType:     sig.TaskType,
		Domain:       s.classifyDomain(tr),
		Difficulty:   difficulty(len(tr.Steps), len(tools), sig.QualityScore),
		TraceHash:    hashTrace(tr),
		CreatedAt:    s.now(),
	}
	if err := ex.Validate(); err != nil {
		s.skipTrace(ctx, "derived example invalid", err)
		return nil
	}

	s.metrics.ExamplesExtracted.Add(ctx, 1)
	if err := s.filter.Admit(ctx, ex); err != nil {
		// Persistence failures leave the batch buffered in the filter for
		// the next flush; a rejected batch is already counted. Neither is
		// a delivery failure, so never ask the queue to redeliver.
		slog.Warn("filter admission failed", "execution_id", ex.ExecutionID, "error", err)
	}
	return nil
}

// classifyDomain matches trace text against the configured keyword lexicon.
func (s *ExtractorService) classifyDomain(tr *example.Trace) string {
	text := strings.ToLower(tr.Goal)
	for _, step := range tr.Steps {
		text += " " + strings.ToLower(step.Tool)
	}
	for keyword, dom := range s.cfg.DomainLexicon {
		if strings.Contains(text, keyword) {
			return dom
		}
	}
	return "general"
}

func (s *ExtractorService) skipTrace(ctx context.Context, reason string, err error) {
	s.metrics.TracesSkipped.Add(ctx, 1)
	slog.Warn("trace skipped", "reason", reason, "error", err)
}

// alertSchemaMismatch audit-logs the mismatch and publishes an operator alert.
func (s *ExtractorService) alertSchemaMismatch(ctx context.Context, executionID string, got int) {
	detail := fmt.Sprintf("got schema v%d, want v%d", got, example.SupportedTraceSchema)
	if err := s.store.AppendAudit(ctx, &database.AuditEntry{
		Kind:     "schema_mismatch",
		EntityID: executionID,
		Detail:   detail,
	}); err != nil {
		slog.Error("audit schema mismatch", "error", err)
	}

	payload, _ := json.Marshal(messagequeue.PipelineAlertPayload{
		Severity:  "critical",
		Component: "extractor",
		Code:      "TRACE_SCHEMA_MISMATCH",
		Detail:    detail,
	})
	if err := s.queue.Publish(ctx, messagequeue.SubjectPipelineAlert, payload); err != nil {
		slog.Error("publish schema alert", "error", err)
	}
}

// difficulty is the weighted estimate used for stratification:
// 0.3*complexity + 0.3*tool diversity + 0.4*(1 - quality/100).
func difficulty(steps, distinctTools int, quality float64) float64 {
	complexity := float64(steps) / 20
	if complexity > 1 {
		complexity = 1
	}
	toolDiversity := float64(distinctTools) / 8
	if toolDiversity > 1 {
		toolDiversity = 1
	}
	d := 0.3*complexity + 0.3*toolDiversity + 0.4*(1-quality/100)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// hashTrace computes the audit content hash of the source trace.
func hashTrace(tr *example.Trace) string {
	blob, _ := json.Marshal(tr)
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// --- in-memory signal parking (signal-before-trace ordering) ---

func (s *ExtractorService) parkSignal(sig *example.QualitySignal) {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	if s.parkedSignals == nil {
		s.parkedSignals = make(map[string]parkedSignal)
	}
	s.parkedSignals[sig.ExecutionID] = parkedSignal{sig: sig, at: s.now()}
}

func (s *ExtractorService) takeParkedSignal(executionID string) *example.QualitySignal {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	parked, ok := s.parkedSignals[executionID]
	if !ok {
		return nil
	}
	delete(s.parkedSignals, executionID)
	return parked.sig
}

// evictStaleSignals drops parked signals whose trace never arrived within
// the join window, e.g. because the trace was malformed and skipped.
func (s *ExtractorService) evictStaleSignals(now time.Time) {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	cutoff := now.Add(-s.cfg.JoinTimeout)
	for id, parked := range s.parkedSignals {
		if parked.at.Before(cutoff) {
			slog.Info("evicting unmatched quality signal", "execution_id", id)
			delete(s.parkedSignals, id)
		}
	}
}
