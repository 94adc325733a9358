package warning

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the warning store over HTTP. Read endpoints are safe to
// poll from dashboards; mutating endpoints are expected to sit behind the
// admin auth middleware installed by the API server.
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
		r.Get("/summary", h.Summary)
		r.Get("/unacknowledged", h.ListUnacknowledged)
		r.Get("/severity/{severity}", h.ListBySeverity)
		r.Post("/{id}/ack", h.Acknowledge)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Delete("/", h.ClearAll)
		r.Delete("/old", h.ClearOld)
	})
}

// List returns all warnings, newest first. The severity and
// unacknowledged query parameters narrow the list.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if severity := query.Get("severity"); severity != "" {
		writeJSON(w, http.StatusOK, h.service.GetWarningsBySeverity(severity))
		return
	}

	if raw := query.Get("unacknowledged"); raw != "" {
		only, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unacknowledged must be a boolean")
			return
		}
		if only {
			writeJSON(w, http.StatusOK, h.service.GetUnacknowledgedWarnings())
			return
		}
	}

	writeJSON(w, http.StatusOK, h.service.GetAllWarnings())
}

// Summary returns aggregate counts for dashboard tiles
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	all := h.service.GetAllWarnings()
	bySeverity := make(map[string]int)
	unacknowledged := 0
	for _, warning := range all {
		bySeverity[strings.ToUpper(warning.Severity)]++
		if !warning.Acknowledged {
			unacknowledged++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":          len(all),
		"unacknowledged": unacknowledged,
		"bySeverity":     bySeverity,
	})
}

// ListUnacknowledged returns unacknowledged warnings
func (h *Handler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetUnacknowledgedWarnings())
}

// ListBySeverity returns warnings filtered by severity
func (h *Handler) ListBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")
	writeJSON(w, http.StatusOK, h.service.GetWarningsBySeverity(severity))
}

// Acknowledge marks a warning as acknowledged
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.AcknowledgeWarning(id) {
		writeError(w, http.StatusNotFound, "warning not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll clears all warnings
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

// ClearOld clears warnings older than the given number of hours.
// The hours query parameter defaults to 24; malformed values are rejected.
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}
	h.service.ClearOldWarnings(hours)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
