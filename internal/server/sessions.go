package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/parley-ai/parley/internal/store"
)

type createSessionRequest struct {
	Title           string `json:"title"`
	UserDisplayName string `json:"user_display_name"`
	UserHandle      string `json:"user_handle"`
	UserPersona     string `json:"user_persona"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, owner string) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sess := &store.Session{
		Owner:           owner,
		Title:           req.Title,
		UserDisplayName: req.UserDisplayName,
		UserHandle:      req.UserHandle,
		UserPersona:     req.UserPersona,
	}
	if err := s.st.CreateSession(r.Context(), sess); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, owner string) {
	sessions, err := s.st.ListSessions(r.Context(), owner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if _, err := s.sessionForOwner(r, owner, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	var patch store.SessionPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, r, err)
		return
	}
	if patch.UserHandle != nil && strings.TrimSpace(*patch.UserHandle) == "" {
		s.respondError(w, r, badRequest("user_handle must not be empty"))
		return
	}
	sess, err := s.st.UpdateSessionMeta(r.Context(), id, patch)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if err := s.orch.DeleteSession(r.Context(), owner, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type postMessageRequest struct {
	Content        string   `json:"content"`
	TargetPersonas []string `json:"target_personas"`
}

// handlePostMessage commits the user message and schedules generation.
// 202 reflects the async contract: replies stream over the WebSocket,
// not in this response.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.respondError(w, r, badRequest("content must not be empty"))
		return
	}
	msg, err := s.orch.Enqueue(r.Context(), owner, id, req.Content, req.TargetPersonas)
	if err != nil {
		// Queue pressure still commits the message; report the id so the
		// client does not resend.
		if msg != nil {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{
				"message_id": msg.ID,
				"detail":     err.Error(),
			})
			return
		}
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if _, err := s.sessionForOwner(r, owner, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := s.st.ListMessages(r.Context(), id, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}
