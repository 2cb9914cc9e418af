package http

import (
	"net/http"
	"strconv"

	"github.com/forgeml/refinery/internal/domain/model"
	"github.com/forgeml/refinery/internal/domain/trainjob"
	"github.com/forgeml/refinery/internal/port/database"
	"github.com/forgeml/refinery/internal/resilience"
	"github.com/forgeml/refinery/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Registry     *service.RegistryService
	Gate         *service.GateService
	Curator      *service.CuratorService
	Health       *service.HealthService
	Store        database.Store
	Breakers     *resilience.Registry
}

// --- Training jobs ---

// SubmitJob handles POST /api/v1/jobs
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[trainjob.SubmitRequest](w, r)
	if !ok {
		return
	}
	job, err := h.Orchestrator.Submit(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Orchestrator.GetStatus(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Orchestrator.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	job, err := h.Orchestrator.GetStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Model registry ---

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	var (
		versions []model.Version
		err      error
	)
	if stage := r.URL.Query().Get("stage"); stage != "" {
		versions, err = h.Store.ListByStage(r.Context(), model.Stage(stage))
	} else {
		versions, err = h.Store.ListModelVersions(r.Context())
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if versions == nil {
		versions = []model.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// GetModel handles GET /api/v1/models/{id}
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetModelVersion(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "model version not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// VerifyModel handles POST /api/v1/models/{id}/verify
func (h *Handlers) VerifyModel(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Registry.Verify(r.Context(), id); err != nil {
		writeDomainError(w, err, "model version not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "artifact": "verified"})
}

// ValidateModel handles POST /api/v1/models/{id}/validate
func (h *Handlers) ValidateModel(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.Gate.Validate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "model version not found")
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

type promoteRequest struct {
	Stage  string `json:"stage"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// PromoteModel handles POST /api/v1/models/{id}/promote
func (h *Handlers) PromoteModel(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[promoteRequest](w, r)
	if !ok {
		return
	}
	if req.Stage == "" {
		writeError(w, http.StatusBadRequest, "stage is required")
		return
	}
	v, err := h.Registry.Promote(r.Context(), urlParam(r, "id"), model.Stage(req.Stage), req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, err, "model version not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type approveRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note"`
}

// ApproveModel handles POST /api/v1/models/{id}/approve
func (h *Handlers) ApproveModel(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approveRequest](w, r)
	if !ok {
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	id := urlParam(r, "id")
	if err := h.Registry.Approve(r.Context(), id, req.Approver, req.Note); err != nil {
		writeDomainError(w, err, "model version not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "approval": "recorded"})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// RollbackModel handles POST /api/v1/models/rollback
func (h *Handlers) RollbackModel(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rollbackRequest](w, r)
	if !ok {
		return
	}
	prior, err := h.Registry.Rollback(r.Context(), req.Reason, req.Actor)
	if err != nil {
		writeDomainError(w, err, "no production version to roll back")
		return
	}
	if prior == nil {
		writeJSON(w, http.StatusOK, map[string]string{"serving": "none"})
		return
	}
	writeJSON(w, http.StatusOK, prior)
}

// --- Datasets ---

// CurateDataset handles POST /api/v1/datasets/{id}/curate
func (h *Handlers) CurateDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Curator.Curate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

// GetDataset handles GET /api/v1/datasets/{id}. Without a version query
// parameter it returns the latest snapshot.
func (h *Handlers) GetDataset(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		ds, err := h.Store.GetDataset(r.Context(), id, version)
		if err != nil {
			writeDomainError(w, err, "dataset version not found")
			return
		}
		writeJSON(w, http.StatusOK, ds)
		return
	}
	ds, err := h.Store.LatestDataset(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// --- Review queue ---

// ListReviewQueue handles GET /api/v1/review
func (h *Handlers) ListReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListPendingReviews(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if items == nil {
		items = []database.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type reviewDecision struct {
	Accepted bool `json:"accepted"`
}

// DecideReview handles POST /api/v1/review/{id}
func (h *Handlers) DecideReview(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reviewDecision](w, r)
	if !ok {
		return
	}
	id := urlParam(r, "id")
	if err := h.Store.DecideReview(r.Context(), id, req.Accepted); err != nil {
		writeDomainError(w, err, "review item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "accepted": req.Accepted})
}

// --- Pipeline health ---

// ListHalts handles GET /api/v1/admin/halts
func (h *Handlers) ListHalts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"halted_domains": h.Health.HaltedDomains()})
}

type clearRequest struct {
	Actor string `json:"actor"`
}

// ClearHalt handles POST /api/v1/admin/halts/{domain}/clear
func (h *Handlers) ClearHalt(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[clearRequest](w, r)
	if !ok {
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	domainName := urlParam(r, "domain")
	if err := h.Health.Clear(r.Context(), domainName, req.Actor); err != nil {
		writeDomainError(w, err, "domain is not halted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domainName, "halt": "cleared"})
}

// ListBreakers handles GET /api/v1/admin/breakers
func (h *Handlers) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	states := map[string]string{}
	if h.Breakers != nil {
		states = h.Breakers.States()
	}
	writeJSON(w, http.StatusOK, states)
}

// --- Audit trail ---

// AuditTrail handles GET /api/v1/audit
func (h *Handlers) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.Store.ListAudit(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if entries == nil {
		entries = []database.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
