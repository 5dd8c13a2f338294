// Package api provides HTTP handlers for the cozegate API.
package api

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/envelope"
	"github.com/ashureev/cozegate/internal/session"
	"github.com/ashureev/cozegate/internal/sweeper"
	"github.com/ashureev/cozegate/internal/task"
	"github.com/go-chi/chi/v5"
)

// Sessions is the session registry as seen by the handlers.
type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string) error
	Close(ctx context.Context, id string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	Stats(ctx context.Context) (session.Stats, error)
}

// Tasks is the task coordinator as seen by the handlers.
type Tasks interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*domain.Task, error)
	GetResult(ctx context.Context, taskID string) (*domain.Task, error)
	Stream(ctx context.Context, taskID string) iter.Seq2[task.Chunk, error]
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Task, error)
}

// Sweeper runs an on-demand cleanup.
type Sweeper interface {
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	DefaultBotID      string
	AllowedOrigins    []string
	KeepaliveInterval time.Duration
	HealthTimeout     time.Duration
	Parked            func() int
}

// Handler serves the /coze routes.
type Handler struct {
	sessions  Sessions
	tasks     Tasks
	sweeper   Sweeper
	store     Pinger
	envelopes *envelope.Builder
	schemas   *schemas
	opts      Options
}

// NewHandler creates a Handler over the core components.
func NewHandler(sessions Sessions, tasks Tasks, sw Sweeper, store Pinger, opts Options) *Handler {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Handler{
		sessions:  sessions,
		tasks:     tasks,
		sweeper:   sw,
		store:     store,
		envelopes: envelope.NewBuilder(),
		schemas:   mustLoadSchemas(),
		opts:      opts,
	}
}

// RegisterRoutes registers all /coze routes. auth guards everything but
// the health check.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/coze", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth)
			}
			r.Post("/sessions", h.OpenSession)
			r.Get("/sessions/{id}", h.GetSession)
			r.Delete("/sessions/{id}", h.CloseSession)
			r.Post("/sessions/{id}/messages", h.SendMessage)
			r.Get("/sessions/{id}/chats", h.ListChats)
			r.Get("/chats/{task_id}/result", h.GetResult)
			r.Get("/chats/{task_id}/stream", h.StreamSSE)
			r.Get("/chats/{task_id}/ws", h.StreamWS)
			r.Get("/users/{user_id}/sessions", h.ListUserSessions)
			r.Post("/admin/cleanup", h.Cleanup)
			r.Get("/admin/stats", h.Stats)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes the error envelope for err with the matching status code.
func (h *Handler) Error(w http.ResponseWriter, r *http.Request, err error) {
	env := h.envelopes.Error(err)
	status := StatusFor(env.Error.Code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", env.Error.Code, "error", err)
	} else {
		slog.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "code", env.Error.Code, "error", err)
	}
	JSON(w, status, env)
}

// StatusFor maps an envelope error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case envelope.CodeValidation:
		return http.StatusBadRequest
	case envelope.CodeUnauthorized:
		return http.StatusUnauthorized
	case envelope.CodeNotFound:
		return http.StatusNotFound
	case envelope.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case envelope.CodeUpstream:
		return http.StatusBadGateway
	case envelope.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Health reports store connectivity. It is served without authentication.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.HealthTimeout)
	defer cancel()

	report := map[string]any{
		"status":  "healthy",
		"service": "cozegate",
		"store":   "connected",
	}
	if h.opts.Parked != nil {
		report["parked_streams"] = h.opts.Parked()
	}

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Report(report))
}
