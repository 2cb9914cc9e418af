package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/forgeml/refinery/internal/adapter/ristretto"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/example"
	"github.com/forgeml/refinery/internal/port/messagequeue"
)

type extractorFixture struct {
	svc    *ExtractorService
	store  *mockStore
	queue  *mockQueue
	filter *FilterService
}

func newExtractorFixture(t *testing.T) *extractorFixture {
	t.Helper()
	store := newMockStore()
	queue := &mockQueue{}
	dedup, err := ristretto.New(1<<20, time.Hour)
	if err != nil {
		t.Fatalf("ristretto.New() error = %v", err)
	}
	t.Cleanup(dedup.Close)

	metrics := testMetrics(t)
	filter := NewFilterService(store, metrics, config.Defaults().Filter)
	svc := NewExtractorService(store, queue, dedup, filter, metrics, config.Defaults().Extractor)
	return &extractorFixture{svc: svc, store: store, queue: queue, filter: filter}
}

func tracePayload(executionID string) messagequeue.TraceGeneratedPayload {
	return messagequeue.TraceGeneratedPayload{
		ExecutionID:    executionID,
		AgentID:        "agent-1",
		SchemaVersion:  example.SupportedTraceSchema,
		TaskDefinition: "write a sql query that sums invoices per customer",
		ExecutionTrace: []example.TraceStep{
			{Index: 0, Tool: "sql", Input: "SELECT 1"},
			{Index: 1, Tool: "editor", Input: "save query"},
		},
		FinalAnswer: "SELECT customer_id, SUM(total) FROM invoices GROUP BY 1",
		Outcome:     "success",
	}
}

func signalPayload(executionID string, quality, confidence float64) messagequeue.QualityScorePayload {
	return messagequeue.QualityScorePayload{
		ExecutionID:           executionID,
		EvaluationID:          "eval-" + executionID,
		QualityScore:          quality,
		ConfidenceLevel:       confidence,
		FailureClassification: string(example.FailureSuccess),
		TaskType:              "codegen",
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestExtractorJoinsTraceThenSignal(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	if err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, tracePayload("exec-1"))); err != nil {
		t.Fatalf("handleTrace() error = %v", err)
	}
	if len(fx.store.pending) != 1 {
		t.Fatalf("pending traces = %d, want 1", len(fx.store.pending))
	}

	if err := fx.svc.handleSignal(ctx, messagequeue.SubjectQualityScoreComputed,
		mustJSON(t, signalPayload("exec-1", 96, 0.92))); err != nil {
		t.Fatalf("handleSignal() error = %v", err)
	}
	if len(fx.store.pending) != 0 {
		t.Errorf("pending traces after join = %d, want 0", len(fx.store.pending))
	}

	if err := fx.filter.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	ex, ok := fx.store.examples["exec-1"]
	if !ok {
		t.Fatal("joined example not persisted")
	}
	if ex.QualityScore != 96 {
		t.Errorf("quality = %v, want 96", ex.QualityScore)
	}
	if ex.Domain != "data" {
		t.Errorf("domain = %q, want data (sql keyword)", ex.Domain)
	}
	if ex.TraceHash == "" {
		t.Error("trace hash not set")
	}
}

func TestExtractorJoinsSignalBeforeTrace(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	if err := fx.svc.handleSignal(ctx, messagequeue.SubjectQualityScoreComputed,
		mustJSON(t, signalPayload("exec-2", 90, 0.95))); err != nil {
		t.Fatalf("handleSignal() error = %v", err)
	}

	if err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, tracePayload("exec-2"))); err != nil {
		t.Fatalf("handleTrace() error = %v", err)
	}
	if len(fx.store.pending) != 0 {
		t.Errorf("trace parked despite waiting signal")
	}

	if err := fx.filter.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, ok := fx.store.examples["exec-2"]; !ok {
		t.Fatal("out-of-order join not persisted")
	}
}

func TestExtractorRejectsSchemaMismatch(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	payload := tracePayload("exec-3")
	payload.SchemaVersion = example.SupportedTraceSchema + 1

	err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated, mustJSON(t, payload))
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("handleTrace() error = %v, want ErrSchemaMismatch", err)
	}

	if len(fx.store.audit) != 1 || fx.store.audit[0].Kind != "schema_mismatch" {
		t.Errorf("schema mismatch not audit-logged: %+v", fx.store.audit)
	}
	alerts := fx.queue.bySubject(messagequeue.SubjectPipelineAlert)
	if len(alerts) != 1 {
		t.Fatalf("alerts published = %d, want 1", len(alerts))
	}
	var alert messagequeue.PipelineAlertPayload
	if err := json.Unmarshal(alerts[0], &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Code != "TRACE_SCHEMA_MISMATCH" || alert.Severity != "critical" {
		t.Errorf("alert = %+v, want critical TRACE_SCHEMA_MISMATCH", alert)
	}
}

func TestExtractorSkipsMalformedTrace(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	payload := tracePayload("exec-4")
	payload.ExecutionTrace = nil // no steps

	if err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, payload)); err != nil {
		t.Fatalf("handleTrace() error = %v, want skip without error", err)
	}
	if len(fx.store.pending) != 0 {
		t.Errorf("malformed trace was parked")
	}
}

func TestExtractorFallbackLabelsFromOutcome(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	tr := &example.Trace{
		ExecutionID:   "exec-5",
		AgentID:       "agent-1",
		SchemaVersion: example.SupportedTraceSchema,
		Goal:          "fix the http endpoint",
		Steps:         []example.TraceStep{{Tool: "editor", Input: "patch"}},
		FinalAnswer:   "patched",
		Outcome:       "success",
	}
	if err := fx.svc.fallback(ctx, tr); err != nil {
		t.Fatalf("fallback() error = %v", err)
	}

	if err := fx.filter.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	ex, ok := fx.store.examples["exec-5"]
	if !ok {
		t.Fatal("fallback example not persisted")
	}
	if ex.QualityScore != 70 {
		t.Errorf("fallback quality = %v, want 70 for self-reported success", ex.QualityScore)
	}
	if ex.Confidence != 0.3 {
		t.Errorf("fallback confidence = %v, want 0.3", ex.Confidence)
	}
	if !ex.LowConfidence {
		t.Error("fallback example not flagged low confidence")
	}
}

func TestExtractorRedeliveryAfterParkFailure(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	fx.store.parkTraceErr = errors.New("db down")
	err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, tracePayload("exec-7")))
	if err == nil {
		t.Fatal("handleTrace() = nil, want error so the queue redelivers")
	}
	if len(fx.store.pending) != 0 {
		t.Fatalf("pending traces after failed park = %d, want 0", len(fx.store.pending))
	}

	// The redelivered message must be reprocessed, not swallowed as a
	// duplicate of the failed attempt.
	fx.store.parkTraceErr = nil
	if err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, tracePayload("exec-7"))); err != nil {
		t.Fatalf("redelivered handleTrace() error = %v", err)
	}
	if len(fx.store.pending) != 1 {
		t.Fatalf("pending traces after redelivery = %d, want 1", len(fx.store.pending))
	}
}

func TestExtractorEvictsUnmatchedSignals(t *testing.T) {
	fx := newExtractorFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	fx.svc.now = func() time.Time { return now }

	if err := fx.svc.handleSignal(ctx, messagequeue.SubjectQualityScoreComputed,
		mustJSON(t, signalPayload("exec-8", 90, 0.95))); err != nil {
		t.Fatalf("handleSignal() error = %v", err)
	}
	if len(fx.svc.parkedSignals) != 1 {
		t.Fatalf("parked signals = %d, want 1", len(fx.svc.parkedSignals))
	}

	// Within the join window the signal stays parked.
	now = base.Add(fx.svc.cfg.JoinTimeout / 2)
	fx.svc.reap(ctx)
	if len(fx.svc.parkedSignals) != 1 {
		t.Fatalf("signal evicted before join window elapsed")
	}

	now = base.Add(fx.svc.cfg.JoinTimeout + time.Second)
	fx.svc.reap(ctx)
	if len(fx.svc.parkedSignals) != 0 {
		t.Fatalf("parked signals after eviction = %d, want 0", len(fx.svc.parkedSignals))
	}

	// A trace arriving after eviction parks normally instead of joining a
	// stale signal.
	if err := fx.svc.handleTrace(ctx, messagequeue.SubjectTraceGenerated,
		mustJSON(t, tracePayload("exec-8"))); err != nil {
		t.Fatalf("handleTrace() error = %v", err)
	}
	if len(fx.store.pending) != 1 {
		t.Fatalf("pending traces = %d, want 1", len(fx.store.pending))
	}
}

func TestExtractorFallbackDiscardWhenDisabled(t *testing.T) {
	fx := newExtractorFixture(t)
	fx.svc.cfg.FallbackOnTimeout = false
	ctx := context.Background()

	tr := &example.Trace{
		ExecutionID: "exec-6",
		Goal:        "anything",
		Steps:       []example.TraceStep{{Tool: "shell", Input: "ls"}},
		Outcome:     "failure",
	}
	if err := fx.svc.fallback(ctx, tr); err != nil {
		t.Fatalf("fallback() error = %v", err)
	}
	if err := fx.filter.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(fx.store.examples) != 0 {
		t.Errorf("discarded trace produced %d examples", len(fx.store.examples))
	}
}
