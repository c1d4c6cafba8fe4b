// Package httpapi exposes the session orchestrator over HTTP: a JSON API for
// session lifecycle and transcripts, a WebSocket stream of generation events,
// and the operational endpoints (health, readiness, Prometheus metrics).
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colloquyhq/colloquy/internal/health"
	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/session"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// Server holds the handler dependencies. Construct with [New], mount with
// [Server.Router].
type Server struct {
	manager *session.Manager
	health  *health.Handler
	metrics *observe.Metrics
	logger  *slog.Logger
}

// New creates the API server. health may be nil to serve a liveness-only
// probe; metrics and logger may be nil for the shared defaults.
func New(manager *session.Manager, h *health.Handler, metrics *observe.Metrics, logger *slog.Logger) *Server {
	if h == nil {
		h = health.New()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, health: h, metrics: metrics, logger: logger}
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Post("/sessions/{sessionID}/messages", s.handleEnqueueMessage)
		r.Get("/sessions/{sessionID}/messages", s.handleListMessages)
		r.Get("/sessions/{sessionID}/scheduler", s.handleSchedulerSnapshot)
		r.Get("/ws/sessions/{sessionID}", s.handleWebSocket)
	})
	return r
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")

	sess, err := s.manager.CreateSession(r.Context(), tenantID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// sessionJSON is the wire shape of one session in list responses.
type sessionJSON struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")

	sessions, err := s.manager.ListSessions(r.Context(), tenantID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]sessionJSON, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionJSON{
			ID:        sess.ID,
			TenantID:  sess.TenantID,
			UserID:    sess.UserID,
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enqueueRequest is the body of POST /api/sessions/{id}/messages.
type enqueueRequest struct {
	Content        string   `json:"content"`
	TargetPersonas []string `json:"target_personas"`
}

func (s *Server) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	err := s.manager.Enqueue(r.Context(), sessionID, session.InboundRequest{
		Content:        req.Content,
		TargetPersonas: req.TargetPersonas,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     "queued",
	})
}

// messageJSON is the wire shape of one transcript entry.
type messageJSON struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	messages, err := s.manager.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]messageJSON, len(messages))
	for i, m := range messages {
		out[i] = messageJSON{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   out,
	})
}

func (s *Server) handleSchedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.SchedulerSnapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// writeError maps orchestrator errors onto HTTP status codes. Unclassified
// errors are logged and surface as an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, sessionstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, session.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, session.ErrOverloaded):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "session queue is full, retry later"})
	case errors.Is(err, session.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
