package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/glance/internal/session"
)

func newTestRouter(registry *session.Registry) chi.Router {
	r := chi.NewRouter()
	NewHandler(registry).RegisterRoutes(r)
	return r
}

func TestHealth(t *testing.T) {
	registry := session.NewRegistry(session.DefaultTTL, nil)
	registry.Register("hw_0123456789abcdef0123456789abcdef")
	router := newTestRouter(registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", body.ActiveSessions)
	}
}

func TestSessions(t *testing.T) {
	registry := session.NewRegistry(session.DefaultTTL, nil)
	sess := registry.Register("hw_0123456789abcdef0123456789abcdef")
	router := newTestRouter(registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].ID != sess.ID {
		t.Errorf("sessions = %+v", body.Sessions)
	}
	if body.Sessions[0].Status != session.StatusActive {
		t.Errorf("status = %q", body.Sessions[0].Status)
	}
}
