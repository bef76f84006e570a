package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine/factory"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/orchestrator"
	"github.com/tanglechat/tangle/pkg/persist"
)

// Server frames orchestrator calls as HTTP. Turn and regenerate responses
// stream server-sent events; everything else is plain JSON.
type Server struct {
	orch  *orchestrator.Orchestrator
	store persist.MessageStore
	bus   events.EventSink
}

func newServer(orch *orchestrator.Orchestrator, store persist.MessageStore, bus events.EventSink) *Server {
	return &Server{orch: orch, store: store, bus: bus}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /turns", s.handleTurn)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /sessions/{id}/messages/{messageID}/siblings", s.handleSiblings)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/fork", s.handleFork)
	mux.HandleFunc("POST /sessions/{id}/messages/{messageID}/edit", s.handleEdit)
	mux.HandleFunc("POST /sessions/{id}/messages/{messageID}/regenerate", s.handleRegenerate)
	return mux
}

// handleTurn runs one chat turn. The session id rides in the
// X-Tangle-Session-Id response header before the first frame, so clients of
// fresh sessions learn their id without parsing the stream.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.SessionID = id
	}

	sink := newSSESink(w)
	result, err := s.orch.RunTurn(r.Context(), &req, events.NewTeeSink(sink, s.bus))
	s.finishStream(w, sink, result, err)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	messageID, err := conversation.ParseMessageID(r.PathValue("messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	sink := newSSESink(w)
	result, err := s.orch.Regenerate(r.Context(), r.PathValue("id"), messageID,
		events.NewTeeSink(sink, s.bus))
	s.finishStream(w, sink, result, err)
}

// finishStream ends an SSE response. Errors raised before the first frame
// still get a plain HTTP status; after that the error frame already went out
// on the stream.
func (s *Server) finishStream(w http.ResponseWriter, sink *sseSink, result *orchestrator.TurnResult, err error) {
	if err != nil {
		if !sink.active() {
			writeError(w, err)
			return
		}
		log.Warn().Err(err).Msg("turn ended with error")
		return
	}
	log.Debug().
		Str("session_id", result.SessionID).
		Str("message_id", result.MessageID.String()).
		Msg("turn completed")
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleSiblings(w http.ResponseWriter, r *http.Request) {
	messageID, err := conversation.ParseMessageID(r.PathValue("messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	siblings, err := s.orch.Siblings(r.Context(), r.PathValue("id"), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"siblings": siblings})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	messageID, err := conversation.ParseMessageID(r.PathValue("messageID"))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	edited, err := s.orch.Edit(r.Context(), r.PathValue("id"), messageID, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edited)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID conversation.MessageID `json:"message_id"`
		UserID    string                 `json:"user_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	forked, err := s.orch.Fork(r.Context(), r.PathValue("id"), body.MessageID, body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, forked)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, factory.ErrProviderSelection):
		status = http.StatusBadRequest
	case errors.Is(err, persist.ErrSessionNotFound), errors.Is(err, persist.ErrMessageNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// sseSink frames events as server-sent events. Response headers, including
// the session id, go out with the first event; the event stream always opens
// with a start frame carrying that id.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu    sync.Mutex
	began bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) PublishEvent(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.began {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Tangle-Session-Id", ev.Metadata().SessionID)
		s.w.WriteHeader(http.StatusOK)
		s.began = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type(), payload); err != nil {
		return errors.Wrap(err, "write frame")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseSink) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.began
}

var _ events.EventSink = (*sseSink)(nil)
