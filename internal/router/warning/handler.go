package warning

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the warning store over HTTP.
type Handler struct {
	service Service
}

// NewHandler creates a new warning HTTP handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers warning routes on the given router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/unacknowledged", h.ListUnacknowledged)
		r.Get("/severity/{severity}", h.ListBySeverity)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Delete("/", h.ClearAll)
		r.Delete("/old", h.ClearOld)
	})
}

// List returns every stored warning, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetAllWarnings())
}

// ListUnacknowledged returns warnings awaiting acknowledgement.
func (h *Handler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetUnacknowledgedWarnings())
}

// ListBySeverity returns warnings matching the severity path segment.
func (h *Handler) ListBySeverity(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetWarningsBySeverity(chi.URLParam(r, "severity")))
}

// Acknowledge marks one warning as seen; 404 when the id is unknown.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if !h.service.AcknowledgeWarning(chi.URLParam(r, "id")) {
		http.Error(w, "Warning not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll drops every warning.
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

// ClearOld drops warnings older than ?hours=N (default 24).
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	h.service.ClearOldWarnings(hours)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}
