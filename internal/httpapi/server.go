// Package httpapi exposes the sync engine over HTTP: the push-notification
// webhook, a manual sync trigger, health, and a live event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/biograph/drivesync/internal/drivesync"
)

// SyncRunner is the slice of the change processor the handlers need.
type SyncRunner interface {
	SyncOnce(ctx context.Context) (drivesync.SyncResult, error)
	SyncAll(ctx context.Context) (drivesync.SyncResult, error)
}

// Event is one sync outcome pushed to websocket subscribers.
type Event struct {
	Message   string `json:"message"`
	Changes   int    `json:"changes"`
	Processed int    `json:"processed"`
	At        string `json:"at"`
}

type Server struct {
	runner   SyncRunner
	channels drivesync.ChannelStore
	logger   drivesync.Logger
	hub      *eventHub
	now      func() time.Time
}

func NewServer(runner SyncRunner, channels drivesync.ChannelStore, logger drivesync.Logger) *Server {
	return &Server{
		runner:   runner,
		channels: channels,
		logger:   logger,
		hub:      newEventHub(),
		now:      time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/sync" && r.Method == http.MethodGet:
		s.handleSync(w, r)
	case r.URL.Path == "/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

// handleWebhook authenticates provider push notifications by channel id. The
// caller is unauthenticated, so every failure is reported with a generic
// message; detail goes to the log only.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}
	if _, err := drivesync.LookupChannel(r.Context(), s.channels, channelID); err != nil {
		switch {
		case errors.Is(err, drivesync.ErrNoChannel):
			s.logger.Printf("webhook: notification for %s but no channel registered", channelID)
			writeError(w, http.StatusInternalServerError, "no sync channel registered")
		case errors.Is(err, drivesync.ErrNotFound):
			s.logger.Printf("webhook: channel id mismatch: %s", channelID)
			writeError(w, http.StatusForbidden, "channel id mismatch")
		default:
			s.logger.Printf("webhook: list channels: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// One pass keeps webhook latency bounded; the periodic loop drains any
	// backlog beyond the page this notification covered.
	result, err := s.runner.SyncOnce(r.Context())
	if err != nil {
		s.logger.Printf("webhook: sync: %v", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	s.publish("changes processed", result)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "changes processed",
		"changes":   result.Changes,
		"processed": result.Processed,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.runner.SyncAll(r.Context())
	if err != nil {
		s.logger.Printf("sync: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message": "sync failed",
			"error":   err.Error(),
		})
		return
	}
	s.publish("sync completed successfully", result)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "sync completed successfully",
		"changes":   result.Changes,
		"processed": result.Processed,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("events: accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Publish pushes a sync outcome to connected event-stream clients. Background
// loops call this so admin clients see webhook-independent passes too.
func (s *Server) Publish(message string, result drivesync.SyncResult) {
	s.publish(message, result)
}

func (s *Server) publish(message string, result drivesync.SyncResult) {
	s.hub.broadcast(Event{
		Message:   message,
		Changes:   result.Changes,
		Processed: result.Processed,
		At:        s.now().UTC().Format(time.RFC3339Nano),
	})
}

// eventHub fans sync events out to websocket subscribers. Slow subscribers
// drop events rather than block the publisher.
type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan Event{}}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 16)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *eventHub) broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
