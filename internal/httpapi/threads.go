package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/contextcompiler"
	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/session"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/events"
)

// ThreadsHandler implements the `/threads` routes of spec §6, backed by
// internal/continuity.Store, and spawns a session.Engine run for every
// new message the way the teacher's gateway spawned an agent turn per
// inbound channel message. Before spawning, it compiles a context bundle
// (spec §4.7/G) anchored at the message immediately before the new one,
// so the run carries the thread's prior turns instead of starting cold.
type ThreadsHandler struct {
	store         *continuity.Store
	engine        *session.Engine
	compiler      *contextcompiler.Compiler
	workspaceRoot string
}

func NewThreadsHandler(store *continuity.Store, engine *session.Engine, compiler *contextcompiler.Compiler, workspaceRoot string) *ThreadsHandler {
	return &ThreadsHandler{store: store, engine: engine, compiler: compiler, workspaceRoot: workspaceRoot}
}

// writeHandoffSummary materializes a handoff's markdown as a content-
// addressed artifact when the caller didn't already supply one.
func (h *ThreadsHandler) writeHandoffSummary(markdown, fromThreadID string, fromSeq uint64, fromMessageID string) (string, error) {
	return workspace.WriteArtifact(h.workspaceRoot, []byte(markdown))
}

func (h *ThreadsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /threads/ensure", h.handleEnsure)
	mux.HandleFunc("GET /threads", h.handleList)
	mux.HandleFunc("GET /threads/{id}", h.handleGet)
	mux.HandleFunc("POST /threads/{id}/messages", h.handleMessage)
	mux.HandleFunc("POST /threads/{id}/branch", h.handleBranch)
	mux.HandleFunc("POST /threads/{id}/handoff", h.handleHandoff)
	mux.HandleFunc("GET /threads/{id}/events", h.handleEvents)
}

func (h *ThreadsHandler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	id, err := h.store.EnsureDefault()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": id})
}

func (h *ThreadsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

func (h *ThreadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *ThreadsHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
		ActorID string `json:"actor_id"`
		Origin  string `json:"origin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priorSeq := uint64(0)
	if priorEvs, err := h.store.ReplayEvents(threadID); err == nil && len(priorEvs) > 0 {
		priorSeq = priorEvs[len(priorEvs)-1].Seq
	}

	messageID, err := h.store.AppendMessage(threadID, body.ActorID, body.Origin, body.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sessionID := uuid.NewString()
	if _, err := h.store.AppendRunSpawned(threadID, messageID, sessionID, body.ActorID, body.Origin); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go h.driveRun(threadID, messageID, sessionID, body.ActorID, body.Origin, body.Content, priorSeq)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"thread_id": threadID, "message_id": messageID, "session_id": sessionID,
	})
}

// driveRun compiles a context bundle from everything on the thread up to
// priorSeq (spec §4.7/G), runs the session engine seeded with it, and
// records the run's outcome back onto the continuity thread (spec §4.6
// run link).
func (h *ThreadsHandler) driveRun(threadID, messageID, sessionID, actorID, origin, content string, priorSeq uint64) {
	seed := h.compileSeed(threadID, messageID, priorSeq, sessionID, actorID, origin)
	_ = h.engine.Run(context.Background(), sessionID, seed, content)
	reason := h.finalReason(sessionID)
	_, _ = h.store.AppendRunEnded(threadID, messageID, sessionID, reason, actorID, origin)
}

// compileSeed compiles a recent_messages_v1 bundle anchored just before
// the triggering message and resolves its items into engine seed
// messages. A compile failure degrades to a context-free run rather than
// failing the whole turn.
func (h *ThreadsHandler) compileSeed(threadID, messageID string, priorSeq uint64, sessionID, actorID, origin string) []session.SeedMessage {
	_, bundle, err := h.compiler.Compile(threadID, priorSeq, messageID, contextcompiler.RecentMessagesV1, contextcompiler.Provenance{
		RunSessionID: sessionID, ActorID: actorID, Origin: origin,
	})
	if err != nil {
		return nil
	}
	seed := make([]session.SeedMessage, 0, len(bundle.Items))
	for _, item := range bundle.Items {
		role, content, err := contextcompiler.ResolveItem(h.workspaceRoot, item)
		if err != nil {
			continue
		}
		seed = append(seed, session.SeedMessage{Role: role, Content: content})
	}
	return seed
}

func (h *ThreadsHandler) finalReason(sessionID string) string {
	evs, err := h.engine.ReplaySession(sessionID)
	if err != nil {
		return string(events.ReasonInternal)
	}
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == events.KindSessionEnded {
			var p events.SessionEndedPayload
			if json.Unmarshal(evs[i].Data, &p) == nil {
				return string(p.Reason)
			}
		}
	}
	return string(events.ReasonInternal)
}

func (h *ThreadsHandler) handleBranch(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	var body struct {
		Title         string  `json:"title"`
		FromMessageID string  `json:"from_message_id"`
		FromSeq       *uint64 `json:"from_seq"`
		ActorID       string  `json:"actor_id"`
		Origin        string  `json:"origin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sel := continuity.CutSelector{FromMessageID: body.FromMessageID, FromSeq: body.FromSeq}
	childID, seq, msgID, err := h.store.Branch(parentID, body.Title, sel, body.ActorID, body.Origin)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": childID, "parent_seq": seq, "parent_message_id": msgID,
	})
}

func (h *ThreadsHandler) handleHandoff(w http.ResponseWriter, r *http.Request) {
	fromID := r.PathValue("id")
	var body struct {
		Title             string  `json:"title"`
		SummaryMarkdown   string  `json:"summary_markdown"`
		SummaryArtifactID string  `json:"summary_artifact_id"`
		FromMessageID     string  `json:"from_message_id"`
		FromSeq           *uint64 `json:"from_seq"`
		ActorID           string  `json:"actor_id"`
		Origin            string  `json:"origin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in := continuity.HandoffInput{
		Title:             body.Title,
		SummaryMarkdown:   body.SummaryMarkdown,
		SummaryArtifactID: body.SummaryArtifactID,
		Selector:          continuity.CutSelector{FromMessageID: body.FromMessageID, FromSeq: body.FromSeq},
		ActorID:           body.ActorID,
		Origin:            body.Origin,
	}
	childID, seq, msgID, err := h.store.Handoff(fromID, in, h.writeHandoffSummary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": childID, "from_seq": seq, "from_message_id": msgID,
	})
}

func (h *ThreadsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.store.Subscribe()
	defer sub.Unsubscribe()

	past, err := h.store.ReplayEvents(threadID)
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
			replay, err := h.store.ReplayEvents(threadID)
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
			if ev.StreamID != threadID {
				continue
			}
			if sw.send(ev) != nil {
				return
			}
		}
	}
}
