package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/tasks"
	"github.com/ripdev/ripd/pkg/events"
)

// TasksHandler implements the `/tasks` routes of spec §6 over
// internal/tasks.Manager.
type TasksHandler struct {
	log     *eventlog.Log
	manager *tasks.Manager
}

func NewTasksHandler(log *eventlog.Log, manager *tasks.Manager) *TasksHandler {
	return &TasksHandler{log: log, manager: manager}
}

func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", h.handleSpawn)
	mux.HandleFunc("GET /tasks", h.handleList)
	mux.HandleFunc("GET /tasks/{id}", h.handleGet)
	mux.HandleFunc("GET /tasks/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /tasks/{id}/output", h.handleOutput)
	mux.HandleFunc("POST /tasks/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/stdin", h.handleStdin)
	mux.HandleFunc("POST /tasks/{id}/resize", h.handleResize)
	mux.HandleFunc("POST /tasks/{id}/signal", h.handleSignal)
}

func (h *TasksHandler) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolName        string                 `json:"tool_name"`
		Command         string                 `json:"command"`
		Args            map[string]interface{} `json:"args"`
		Title           string                 `json:"title"`
		ExecutionMode   string                 `json:"execution_mode"`
		Cwd             string                 `json:"cwd"`
		Env             map[string]string      `json:"env"`
		Rows            int                    `json:"rows"`
		Cols            int                    `json:"cols"`
		OriginSessionID string                 `json:"origin_session_id"`
		TimeoutMs       *int64                 `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := events.ExecPipes
	if body.ExecutionMode == string(events.ExecPTY) {
		mode = events.ExecPTY
	}
	var timeout *time.Duration
	if body.TimeoutMs != nil {
		d := time.Duration(*body.TimeoutMs) * time.Millisecond
		timeout = &d
	}

	taskID, err := h.manager.Spawn(tasks.SpawnRequest{
		ToolName: body.ToolName, Command: body.Command, Args: body.Args, Title: body.Title,
		ExecutionMode: mode, Cwd: body.Cwd, Env: body.Env, Rows: body.Rows, Cols: body.Cols,
		OriginSessionID: body.OriginSessionID, Timeout: timeout,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (h *TasksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *TasksHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := h.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *TasksHandler) handleOutput(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	stream := events.TaskOutputStream(r.URL.Query().Get("stream"))
	if stream == "" {
		stream = events.StreamStdout
	}
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset_bytes"), 10, 64)
	maxBytes, _ := strconv.ParseInt(r.URL.Query().Get("max_bytes"), 10, 64)
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}

	content, bytesRead, total, truncated, err := h.manager.Output(taskID, stream, offset, maxBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": content, "bytes": bytesRead, "total_bytes": total, "truncated": truncated,
	})
}

func (h *TasksHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.manager.Cancel(r.PathValue("id"), body.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) handleStdin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChunkB64 string `json:"chunk_b64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.WriteStdin(r.PathValue("id"), body.ChunkB64); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) handleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.Resize(r.PathValue("id"), body.Rows, body.Cols); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) handleSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.Signal(r.PathValue("id"), body.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TasksHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.manager.Subscribe()
	defer sub.Unsubscribe()

	past, err := h.log.ReplayStream(events.Partition{Kind: events.StreamTask, ID: taskID})
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
			replay, err := h.log.ReplayStream(events.Partition{Kind: events.StreamTask, ID: taskID})
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
			if ev.StreamID != taskID {
				continue
			}
			if sw.send(ev) != nil {
				return
			}
		}
	}
}
