// Package api provides the server's debug/ops HTTP surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/glance/internal/session"
)

// Handler serves health and session-registry introspection.
type Handler struct {
	registry *session.Registry
}

// NewHandler creates a Handler over the session registry.
func NewHandler(registry *session.Registry) *Handler {
	return &Handler{registry: registry}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the debug routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/v1/sessions", h.handleSessions)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.registry.ActiveCount(),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.Snapshot(),
	})
}
