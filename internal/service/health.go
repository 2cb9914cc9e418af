package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forgeml/refinery/internal/adapter/otel"
	"github.com/forgeml/refinery/internal/config"
	"github.com/forgeml/refinery/internal/domain"
	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/port/messagequeue"
)

// rollbacker is the slice of the registry the health service needs to revert
// a bad deployment.
type rollbacker interface {
	Rollback(ctx context.Context, reason, actor string) (*model.Version, error)
}

// HealthService watches deployed-model quality per domain and trips a halt
// when consecutive models regress below the baseline fraction. A tripped
// halt rejects new training submissions, rolls back the latest production
// model, and stays in force until an operator clears it.
type HealthService struct {
	store    database.Store
	queue    messagequeue.Queue
	registry rollbacker
	metrics  *otel.Metrics
	cfg      config.Health
	now      func() time.Time

	mu      sync.Mutex
	windows map[string][]float64 // rolling deployed scores per domain
	below   map[string]int       // consecutive models under the threshold
	halted  map[string]time.Time
}

// NewHealthService creates a HealthService.
func NewHealthService(
	store database.Store,
	queue messagequeue.Queue,
	registry rollbacker,
	metrics *otel.Metrics,
	cfg config.Health,
) *HealthService {
	return &HealthService{
		store:    store,
		queue:    queue,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		windows:  make(map[string][]float64),
		below:    make(map[string]int),
		halted:   make(map[string]time.Time),
	}
}

// Start subscribes to deployed-model quality reports. The returned function
// cancels the subscription.
func (s *HealthService) Start(ctx context.Context) (func(), error) {
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectModelQualityReported, s.handleQualityReport)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", messagequeue.SubjectModelQualityReported, err)
	}
	return cancel, nil
}

func (s *HealthService) handleQualityReport(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.ModelQualityPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("malformed model quality report dropped", "error", err)
		return nil
	}
	if payload.Domain == "" {
		slog.Warn("model quality report without domain dropped", "model_id", payload.ModelID)
		return nil
	}
	// A tripped halt is the expected outcome of a bad report, not a
	// delivery failure; never ask the queue to redeliver.
	if err := s.Observe(ctx, payload.Domain, payload.QualityScore); err != nil && !errors.Is(err, domain.ErrHalted) {
		slog.Error("observe deployed quality", "domain", payload.Domain, "error", err)
	}
	return nil
}

// Observe records one deployed model's quality score for a domain. The first
// observation seeds the domain baseline. Returns ErrHalted when this
// observation trips the halt.
func (s *HealthService) Observe(ctx context.Context, domainName string, score float64) error {
	baseline, err := s.store.GetDomainBaseline(ctx, domainName)
	if errors.Is(err, domain.ErrNotFound) {
		if err := s.store.SetDomainBaseline(ctx, domainName, score); err != nil {
			return fmt.Errorf("seed baseline for %s: %w", domainName, err)
		}
		slog.Info("domain baseline seeded", "domain", domainName, "baseline", score)
		return nil
	}
	if err != nil {
		return fmt.Errorf("baseline for %s: %w", domainName, err)
	}

	s.mu.Lock()
	window := append(s.windows[domainName], score)
	if len(window) > s.cfg.WindowSize {
		window = window[len(window)-s.cfg.WindowSize:]
	}
	s.windows[domainName] = window

	threshold := baseline * s.cfg.BaselineFraction
	if score < threshold {
		s.below[domainName]++
	} else {
		s.below[domainName] = 0
	}
	trip := s.below[domainName] >= s.cfg.ConsecutiveTrips
	_, alreadyHalted := s.halted[domainName]
	s.mu.Unlock()

	slog.Info("deployed model quality observed",
		"domain", domainName, "score", score, "baseline", baseline,
		"threshold", threshold)

	if score >= baseline {
		// Quality above the old baseline raises the bar.
		if err := s.store.SetDomainBaseline(ctx, domainName, score); err != nil {
			slog.Warn("raise baseline", "domain", domainName, "error", err)
		}
	}

	if !trip || alreadyHalted {
		return nil
	}
	return s.halt(ctx, domainName, baseline)
}

func (s *HealthService) halt(ctx context.Context, domainName string, baseline float64) error {
	s.mu.Lock()
	s.halted[domainName] = s.now()
	window := append([]float64(nil), s.windows[domainName]...)
	s.mu.Unlock()

	s.metrics.HaltsTripped.Add(ctx, 1)

	detail := fmt.Sprintf("%d consecutive models below %.0f%% of baseline %.1f, recent scores %v",
		s.cfg.ConsecutiveTrips, s.cfg.BaselineFraction*100, baseline, window)
	if err := s.store.AppendAudit(ctx, &database.AuditEntry{
		Kind:     "halt",
		EntityID: domainName,
		Detail:   detail,
	}); err != nil {
		slog.Error("audit halt", "domain", domainName, "error", err)
	}

	payload, _ := json.Marshal(messagequeue.PipelineAlertPayload{
		Severity:  "critical",
		Component: "health",
		Domain:    domainName,
		Code:      "NEGATIVE_FEEDBACK_LOOP",
		Detail:    detail,
	})
	if err := s.queue.Publish(ctx, messagequeue.SubjectPipelineAlert, payload); err != nil {
		slog.Error("publish halt alert", "domain", domainName, "error", err)
	}

	if _, err := s.registry.Rollback(ctx, "negative feedback loop in domain "+domainName, ""); err != nil {
		slog.Error("halt rollback", "domain", domainName, "error", err)
	}

	slog.Error("negative feedback loop: domain halted", "domain", domainName, "detail", detail)
	return fmt.Errorf("domain %s: %s: %w", domainName, detail, domain.ErrHalted)
}

// Halted reports whether the domain is currently halted.
func (s *HealthService) Halted(domainName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[domainName]
	return ok
}

// HaltedDomains returns the currently halted domains, sorted.
func (s *HealthService) HaltedDomains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.halted))
	for d := range s.halted {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// AnyHalted reports whether any domain halt is in force. Curated datasets mix
// domains, so new training submissions are rejected while any halt stands.
func (s *HealthService) AnyHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.halted) > 0
}

// Clear lifts the halt for a domain. Operator-only; the clearance is
// audit-logged and resets the consecutive-regression counter.
func (s *HealthService) Clear(ctx context.Context, domainName, actor string) error {
	s.mu.Lock()
	_, ok := s.halted[domainName]
	if ok {
		delete(s.halted, domainName)
		s.below[domainName] = 0
		s.windows[domainName] = nil
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("domain %s is not halted: %w", domainName, domain.ErrNotFound)
	}

	if err := s.store.AppendAudit(ctx, &database.AuditEntry{
		Kind:     "clearance",
		EntityID: domainName,
		Detail:   "halt cleared by operator",
		Actor:    actor,
	}); err != nil {
		slog.Error("audit clearance", "domain", domainName, "error", err)
	}
	slog.Info("halt cleared", "domain", domainName, "actor", actor)
	return nil
}
