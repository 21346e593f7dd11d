package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"capacity-engine/pkg/assignment"
	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/claim"
	"capacity-engine/pkg/lifecycle"
	"capacity-engine/pkg/summary"
	"capacity-engine/pkg/task"
)

// Server is the HTTP API server.
type Server struct {
	lifecycle   *lifecycle.Manager
	assignments *assignment.Service
	summary     *summary.Aggregator
	events      *audit.Bus
	jwtSecret   []byte
	logger      *zap.Logger
	now         func() time.Time
	mux         *http.ServeMux
	handler     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithJWTSecret enables HS256 bearer-token identity.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock overrides the time used for summaries. Used by tests.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New creates a new Server.
func New(lc *lifecycle.Manager, assignments *assignment.Service, sum *summary.Aggregator, events *audit.Bus, opts ...Option) *Server {
	s := &Server{
		lifecycle:   lc,
		assignments: assignments,
		summary:     sum,
		events:      events,
		logger:      zap.NewNop(),
		now:         time.Now,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.handler = s.identify(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleTaskClaim)
	s.mux.HandleFunc("POST /api/tasks/{id}/start", s.handleTaskStart)
	s.mux.HandleFunc("POST /api/tasks/{id}/pause", s.handleTaskPause)
	s.mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleTaskResume)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleTaskComplete)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTaskCancel)
	s.mux.HandleFunc("POST /api/tasks/{id}/renew", s.handleTaskRenew)
	s.mux.HandleFunc("POST /api/tasks/{id}/review", s.handleTaskReview)

	// Assignments
	s.mux.HandleFunc("GET /api/tasks/{id}/assignments", s.handleAssignmentList)
	s.mux.HandleFunc("POST /api/tasks/{id}/assignments", s.handleAssign)
	s.mux.HandleFunc("DELETE /api/tasks/{id}/assignments/{user}", s.handleUnassign)

	// Summary
	s.mux.HandleFunc("GET /api/summary", s.handleSummary)

	// Audit events
	s.mux.HandleFunc("GET /api/events", s.handleEventList)
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	s.mux.HandleFunc("GET /api/events/verify", s.handleEventVerify)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEventGet)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write json", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps engine errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var blocked *lifecycle.GuardrailBlockedError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.As(err, &blocked):
		writeJSON(w, 403, map[string]string{"error": err.Error(), "reason": blocked.Reason})
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrAlreadyClaimed):
		writeError(w, 409, err.Error())
	case errors.Is(err, claim.ErrNotHolder):
		writeError(w, 403, err.Error())
	case errors.Is(err, task.ErrInvalid), errors.Is(err, lifecycle.ErrActorRequired),
		errors.Is(err, assignment.ErrUserRequired):
		writeError(w, 400, err.Error())
	default:
		writeError(w, 500, err.Error())
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
