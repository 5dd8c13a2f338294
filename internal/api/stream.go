package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/cozegate/internal/envelope"
	"github.com/ashureev/cozegate/internal/task"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// chunkEvent is the wire form of a non-final chunk.
type chunkEvent struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Delta  string `json:"delta,omitempty"`
}

// streamItem is one element handed from the stream reader to the writer.
type streamItem struct {
	chunk task.Chunk
	err   error
}

// pump reads the task stream on its own goroutine so the writer can send
// keepalives while waiting. The channel is unbuffered: the reader never runs
// more than one chunk ahead of the writer.
func (h *Handler) pump(ctx context.Context, taskID string) <-chan streamItem {
	out := make(chan streamItem)
	go func() {
		defer close(out)
		for chunk, err := range h.tasks.Stream(ctx, taskID) {
			select {
			case out <- streamItem{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || chunk.Final {
				return
			}
		}
	}()
	return out
}

// StreamSSE relays a task stream as server-sent events: "chunk" events
// carry deltas, then a single "result" or "error" event carries an envelope.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, chi.URLParam(r, "task_id"))
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	slog.Info("Task stream connected", "task_id", taskID)

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	items := h.pump(ctx, taskID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Task stream disconnected", "task_id", taskID)
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "task_id", taskID)
				return
			}
			flusher.Flush()
		case item, ok := <-items:
			if !ok {
				return
			}
			event, data, err := h.sseEvent(item)
			if err != nil {
				slog.Error("failed to encode stream event", "error", err, "task_id", taskID)
				return
			}
			if err := writeSSE(w, event, data); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "task_id", taskID)
				return
			}
			flusher.Flush()
			if item.err != nil || item.chunk.Final {
				return
			}
		}
	}
}

func (h *Handler) sseEvent(item streamItem) (string, string, error) {
	var (
		event string
		v     any
	)
	switch {
	case item.err != nil:
		event, v = "error", h.envelopes.Error(item.err)
	case item.chunk.Final:
		event, v = "result", h.envelopes.Task(item.chunk.Task)
	default:
		event, v = "chunk", chunkEvent{TaskID: item.chunk.TaskID, State: string(item.chunk.State), Delta: item.chunk.Delta}
	}
	data, err := json.Marshal(v)
	return event, string(data), err
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// wsMessage is one WebSocket frame of a task stream.
type wsMessage struct {
	Type   string             `json:"type"`
	TaskID string             `json:"task_id,omitempty"`
	State  string             `json:"state,omitempty"`
	Delta  string             `json:"delta,omitempty"`
	Result *envelope.Envelope `json:"result,omitempty"`
}

// StreamWS relays a task stream over a WebSocket as JSON text frames of type
// "chunk", then "result" or "error", and closes normally.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "task_id", taskID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "task_id", taskID)
		}
	}()

	// CloseRead cancels ctx once the client goes away.
	ctx := ws.CloseRead(r.Context())
	slog.Info("Task WebSocket connected", "task_id", taskID, "ip", r.RemoteAddr)

	for chunk, err := range h.tasks.Stream(ctx, taskID) {
		var msg wsMessage
		switch {
		case err != nil:
			env := h.envelopes.Error(err)
			msg = wsMessage{Type: "error", TaskID: taskID, Result: &env}
		case chunk.Final:
			env := h.envelopes.Task(chunk.Task)
			msg = wsMessage{Type: "result", TaskID: chunk.TaskID, State: string(chunk.State), Result: &env}
		default:
			msg = wsMessage{Type: "chunk", TaskID: chunk.TaskID, State: string(chunk.State), Delta: chunk.Delta}
		}
		if werr := writeJSON(ctx, ws, msg); werr != nil {
			if ctx.Err() == nil {
				slog.Warn("WebSocket write error", "error", werr, "task_id", taskID)
			}
			return
		}
		if err != nil || chunk.Final {
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
