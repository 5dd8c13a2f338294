package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/session"
	"github.com/go-chi/chi/v5"
)

// OpenSession creates a session. bot_id defaults to the configured bot.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var body openSessionBody
	if err := decode(r, h.schemas.openSession, &body); err != nil {
		h.Error(w, r, err)
		return
	}
	botID := strings.TrimSpace(body.BotID)
	if botID == "" {
		botID = h.opts.DefaultBotID
	}

	sess, err := h.sessions.Open(r.Context(), session.OpenRequest{
		UserID:   body.UserID,
		BotID:    botID,
		Metadata: body.Metadata,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, h.envelopes.Session(sess))
}

// GetSession returns a session and marks it active.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Touch(r.Context(), id); err != nil {
		h.Error(w, r, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Session(sess))
}

// CloseSession terminates a session. Closing an unknown session is a 404.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	closed, err := h.sessions.Close(r.Context(), id)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if !closed {
		h.Error(w, r, fmt.Errorf("%w: session %s", domain.ErrNotFound, id))
		return
	}
	slog.Info("Session terminated", "session_id", id)
	JSON(w, http.StatusOK, h.envelopes.Report(map[string]any{
		"session_id": id,
		"status":     "terminated",
	}))
}

// ListUserSessions lists the live sessions of a user, newest first.
func (h *Handler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListByUser(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Sessions(sessions))
}

// Stats reports registry counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		h.Error(w, r, err)
		return
	}
	report := map[string]any{"active_sessions": stats.ActiveSessions}
	if h.opts.Parked != nil {
		report["parked_streams"] = h.opts.Parked()
	}
	JSON(w, http.StatusOK, h.envelopes.Report(report))
}

// Cleanup runs one sweep.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Report(report.Fields()))
}
