package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/cozegate/internal/task"
	"github.com/go-chi/chi/v5"
)

// SendMessage submits a message. With "stream": true and an
// "Accept: text/event-stream" header the answer is streamed on the same
// response; otherwise the task envelope is returned and the caller polls or
// opens the stream endpoint.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageBody
	if err := decode(r, h.schemas.sendMessage, &body); err != nil {
		h.Error(w, r, err)
		return
	}

	t, err := h.tasks.Submit(r.Context(), task.SubmitRequest{
		SessionID: chi.URLParam(r, "id"),
		Message:   body.Message,
		Stream:    body.Stream,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}

	if body.Stream && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.serveSSE(w, r, t.ID)
		return
	}
	JSON(w, http.StatusAccepted, h.envelopes.Task(t))
}

// GetResult returns the current state of a task, advancing it from the
// provider when it is still running.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetResult(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Task(t))
}

// ListChats returns the task history of a live session and marks it active.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Touch(r.Context(), id); err != nil {
		h.Error(w, r, err)
		return
	}
	tasks, err := h.tasks.ListBySession(r.Context(), id)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.envelopes.Tasks(id, tasks))
}
