// Package server exposes the session broadcaster over HTTP: a message-post
// endpoint that starts turns, an SSE (and WebSocket) attach endpoint, the
// resume probe, cancellation, and persisted-message reads.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/session"
	"github.com/turncast/turncast/internal/store"
)

// Config holds server configuration.
type Config struct {
	Host  string
	Port  int
	Token string // bearer token; empty disables auth
	Quiet bool
}

// Server is the turncast HTTP server.
type Server struct {
	config   Config
	sessions *session.Manager
	store    store.MessageStore
	router   chi.Router
}

// New creates the server around a session manager and an optional message
// store.
func New(cfg Config, sessions *session.Manager, messages store.MessageStore) *Server {
	s := &Server{
		config:   cfg,
		sessions: sessions,
		store:    messages,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	if !s.config.Quiet {
		r.Use(middleware.Logger)
	}

	if s.config.Token != "" {
		logx.Log.Info("API authentication enabled")
		r.Use(bearerAuth(s.config.Token))
	} else {
		logx.Log.Warn("API running without authentication - use --token to secure")
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/conversations", s.handleListConversations)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Post("/messages", s.handlePostMessage)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWS)
			r.Get("/probe", s.handleProbe)
			r.Post("/cancel", s.handleCancel)
			r.Get("/message", s.handleGetMessage)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the server address string.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// ListenAndServe starts the server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.config.Port == 0 {
		s.config.Port = ln.Addr().(*net.TCPAddr).Port
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("turncast server running at http://%s\n", s.Addr())
	return srv.Serve(ln)
}

// bearerAuth validates a bearer token with constant-time comparison. Health
// checks pass without auth.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/health" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) < len(prefix) || auth[:len(prefix)] != prefix {
				w.Header().Set("WWW-Authenticate", `Bearer realm="turncast"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or malformed Authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers for browser observers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, err string, msg string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: msg})
}
