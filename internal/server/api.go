package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/turncast/turncast/internal/session"
	"github.com/turncast/turncast/internal/store"
	"github.com/turncast/turncast/internal/version"
)

// PostMessageRequest is the body of POST /v1/conversations/{id}/messages.
type PostMessageRequest struct {
	Prompt string `json:"prompt"`
}

// PostMessageResponse acknowledges a started turn.
type PostMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Started        bool   `json:"started"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Failed to parse request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "prompt is required")
		return
	}

	// The subprocess must outlive this request; it is bound to the session,
	// not to the HTTP connection that started it.
	if err := s.sessions.Start(r.Context(), conversationID, req.Prompt); err != nil {
		if errors.Is(err, session.ErrTurnActive) {
			writeError(w, http.StatusConflict, "turn_active", "A turn is already in progress for this conversation")
			return
		}
		writeError(w, http.StatusInternalServerError, "launch_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, PostMessageResponse{
		ConversationID: conversationID,
		Started:        true,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	writeJSON(w, http.StatusOK, s.sessions.Probe(conversationID))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := s.sessions.Cancel(conversationID); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no_session", "No active session for this conversation")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleGetMessage serves the persisted final message: the fallback for
// observers whose probe reported no active session.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	// A just-completed session still in the registry is fresher than the
	// store and costs nothing to read.
	if msg := s.sessions.Final(conversationID); msg != nil {
		writeJSON(w, http.StatusOK, msg)
		return
	}

	if s.store == nil {
		writeError(w, http.StatusNotFound, "not_found", "No message for this conversation")
		return
	}
	msg, err := s.store.LatestMessage(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "not_found", "No message for this conversation")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	summaries, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if summaries == nil {
		summaries = []store.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Get(),
	})
}
