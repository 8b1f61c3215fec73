package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/turncast/turncast/internal/logx"
)

// handleWS attaches an observer over WebSocket. Each frame is one event,
// JSON-encoded, replayed from sequence zero and then live. A completed
// session closes immediately with a normal-closure reason; the client fetches
// the finished message over the message endpoint instead.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	att, err := s.sessions.Attach(conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no_session", "No session for this conversation")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		logx.Log.Error("WebSocket accept failed", "error", err)
		if att.Stream != nil {
			att.Stream.Close()
		}
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	if att.Final != nil {
		conn.Close(websocket.StatusNormalClosure, "turn already completed")
		return
	}
	defer att.Stream.Close()

	wsConnectionsActive.Inc()
	defer wsConnectionsActive.Dec()
	logx.Log.Info("WebSocket observer attached", "conversation", conversationID)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case ev, ok := <-att.Stream.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "turn completed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				logx.Log.Debug("WS write failed", "conversation", conversationID, "error", err)
				return
			}
		}
	}
}
