package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/session"
	"github.com/ripdev/ripd/pkg/events"
)

// SessionsHandler implements the `/sessions` routes of spec §6: create,
// deliver first input, cancel, and stream live frames.
type SessionsHandler struct {
	log    *eventlog.Log
	engine *session.Engine

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewSessionsHandler(log *eventlog.Log, engine *session.Engine) *SessionsHandler {
	return &SessionsHandler{log: log, engine: engine, cancels: make(map[string]context.CancelFunc)}
}

func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.handleCreate)
	mux.HandleFunc("POST /sessions/{id}/input", h.handleInput)
	mux.HandleFunc("POST /sessions/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /sessions/{id}/events", h.handleEvents)
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (h *SessionsHandler) handleInput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancels[sessionID] = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.cancels, sessionID)
			h.mu.Unlock()
		}()
		_ = h.engine.Run(ctx, sessionID, nil, body.Input)
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (h *SessionsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	h.mu.Lock()
	cancel, ok := h.cancels[sessionID]
	h.mu.Unlock()
	if ok {
		cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents replays this session's past events then streams live ones,
// matching every other .../events endpoint's "past then live" contract.
func (h *SessionsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.engine.Subscribe()
	defer sub.Unsubscribe()

	past, err := h.log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: sessionID})
	if err == nil {
		for _, ev := range past {
			if sw.send(ev) != nil {
				return
			}
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged:
			replay, err := h.log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: sessionID})
			if err == nil {
				for _, ev := range replay {
					if sw.send(ev) != nil {
						return
					}
				}
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.StreamID != sessionID {
				continue
			}
			if sw.send(ev) != nil {
				return
			}
		}
	}
}
