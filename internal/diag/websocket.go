// Package diag exposes the client's event-bus history to an attached
// debugging tool over WebSocket.
package diag

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/glance/internal/eventbus"
)

// Handler streams the bounded history ring, then polls for new events until
// the peer disconnects.
type Handler struct {
	bus    *eventbus.Bus
	logger *slog.Logger
}

// NewHandler creates a diag handler over the bus.
func NewHandler(bus *eventbus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, logger: logger}
}

type frame struct {
	Topic     string    `json:"topic"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload"`
	Time      time.Time `json:"time"`
}

func frameOf(ev eventbus.Event) frame {
	return frame{
		Topic:     string(ev.Topic),
		SessionID: ev.SessionID(),
		Payload:   ev.Payload,
		Time:      ev.Time,
	}
}

// ServeHTTP upgrades to WebSocket and streams events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("diag accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	sent := 0
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		events := h.bus.History().Events()
		// The ring may have wrapped past what we already sent; resync from
		// the oldest retained event in that case.
		if sent > len(events) {
			sent = 0
		}
		for _, ev := range events[sent:] {
			if err := wsjson.Write(ctx, conn, frameOf(ev)); err != nil {
				return
			}
			sent++
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Serve runs the diag HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, bus *eventbus.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/debug/events", NewHandler(bus, logger))

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("diag server listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
