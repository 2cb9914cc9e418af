package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"halted_domains": h.Health.HaltedDomains(),
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Training jobs
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)

		// Model registry
		r.Get("/models", h.ListModels)
		r.Get("/models/{id}", h.GetModel)
		r.Post("/models/{id}/verify", h.VerifyModel)
		r.Post("/models/{id}/validate", h.ValidateModel)
		r.Post("/models/{id}/promote", h.PromoteModel)
		r.Post("/models/{id}/approve", h.ApproveModel)
		r.Post("/models/rollback", h.RollbackModel)

		// Datasets
		r.Post("/datasets/{id}/curate", h.CurateDataset)
		r.Get("/datasets/{id}", h.GetDataset)

		// Manual review queue
		r.Get("/review", h.ListReviewQueue)
		r.Post("/review/{id}", h.DecideReview)

		// Pipeline administration
		r.Get("/admin/halts", h.ListHalts)
		r.Post("/admin/halts/{domain}/clear", h.ClearHalt)
		r.Get("/admin/breakers", h.ListBreakers)
		r.Get("/audit", h.AuditTrail)
	})
}
