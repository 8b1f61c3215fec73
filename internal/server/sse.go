package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/turncast/turncast/internal/logx"
)

// handleEvents attaches an observer over Server-Sent Events. The stream
// replays every event of the in-flight turn from sequence zero and then
// continues live; an attach to an already-completed session delivers the
// finished message as a single "final" frame instead. Attaching never spawns
// a subprocess and detaching never kills one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	att, err := s.sessions.Attach(conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no_session", "No session for this conversation")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if att.Final != nil {
		writeSSE(w, "final", att.Final)
		flusher.Flush()
		return
	}

	defer att.Stream.Close()

	sseConnectionsActive.Inc()
	defer sseConnectionsActive.Dec()
	logx.Log.Info("SSE observer attached", "conversation", conversationID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-att.Stream.Events():
			if !ok {
				// Closed after the terminal event, or the observer was
				// dropped for lagging; either way the client reattaches.
				return
			}
			if err := writeSSE(w, "", ev); err != nil {
				logx.Log.Debug("SSE write failed", "conversation", conversationID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one SSE frame. An empty name uses the default event type.
func writeSSE(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
