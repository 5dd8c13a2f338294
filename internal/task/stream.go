package task

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/upstream"
)

// Chunk is one element of a task stream. Delta carries answer text as the
// provider produces it; the last chunk has Final set and carries the
// terminal task.
type Chunk struct {
	TaskID string           `json:"task_id"`
	State  domain.TaskState `json:"state"`
	Delta  string           `json:"delta,omitempty"`
	Final  bool             `json:"final"`
	Task   *domain.Task     `json:"task,omitempty"`
}

// parkedStream is an upstream event stream opened by Submit and waiting for
// a reader. Exactly one goroutine owns it after take.
type parkedStream struct {
	task     *domain.Task
	ctx      context.Context
	next     func() (*upstream.Event, error, bool)
	stop     func()
	cancel   context.CancelFunc
	timer    *time.Timer
	messages []upstream.Message
	answer   strings.Builder
}

func (ps *parkedStream) close() {
	ps.stop()
	ps.cancel()
}

type streamTable struct {
	mu      sync.Mutex
	streams map[string]*parkedStream
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[string]*parkedStream)}
}

// park stores ps until a reader takes it or ttl elapses, whichever is first.
func (s *streamTable) park(id string, ps *parkedStream, ttl time.Duration) {
	if ttl <= 0 {
		ps.close()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[id] = ps
	ps.timer = time.AfterFunc(ttl, func() {
		if p := s.take(id); p != nil {
			slog.Info("closing unclaimed stream", "task_id", id)
			p.close()
		}
	})
}

func (s *streamTable) take(id string) *parkedStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.streams[id]
	if !ok {
		return nil
	}
	delete(s.streams, id)
	ps.timer.Stop()
	return ps
}

func (s *streamTable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *streamTable) closeAll() {
	s.mu.Lock()
	parked := s.streams
	s.streams = make(map[string]*parkedStream)
	s.mu.Unlock()

	for _, ps := range parked {
		ps.timer.Stop()
		ps.close()
	}
}

// startStream opens the upstream stream, waits for the provider to assign a
// chat id, and parks the rest of the stream for Stream to drain.
func (c *Coordinator) startStream(ctx context.Context, t *domain.Task, raw []byte, req upstream.ChatRequest) (*domain.Task, error) {
	upCtx, cancelStream := context.WithDeadline(context.WithoutCancel(ctx), t.Deadline)

	start := time.Now()
	next, stop := iter.Pull2(c.client.StreamChat(upCtx, req))
	ps := &parkedStream{ctx: upCtx, next: next, stop: stop, cancel: cancelStream}

	var chat *upstream.Chat
	for chat == nil {
		ev, err, ok := next()
		if !ok {
			err = errors.New("stream ended before the chat was created")
		}
		if err != nil {
			c.metrics.ObserveUpstream("stream_chat", start, err)
			ps.close()
			return c.reject(ctx, t, raw, err)
		}
		if ev.Chat != nil && ev.Chat.ID != "" {
			chat = ev.Chat
		}
	}
	c.metrics.ObserveUpstream("stream_chat", start, nil)

	if chat.Status == upstream.StatusFailed {
		ps.close()
		failure := chatFailure(chat)
		return c.transition(ctx, t, raw, func(next *domain.Task) error {
			return next.Fail(failure, c.now())
		})
	}

	c.metrics.Submission("created")
	running, err := c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Run(req.ConversationID, chat.ID, c.now())
	})
	if err != nil {
		ps.close()
		return nil, err
	}
	if running.State != domain.TaskRunning || running.ChatID != chat.ID {
		ps.close()
		return running, nil
	}

	ps.task = running
	c.streams.park(running.ID, ps, running.Deadline.Sub(c.now()))
	return running, nil
}

// Stream yields the progress of a task. When this process holds the
// provider stream for the task, answer deltas are relayed as they arrive;
// otherwise the task is polled at the configured interval. The sequence
// ends with a Final chunk, an error, or when the caller stops.
//
// Stopping early leaves the task running; a later poll converges.
func (c *Coordinator) Stream(ctx context.Context, taskID string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		t, _, err := c.load(ctx, taskID)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		if t.State.IsTerminal() {
			yield(finalChunk(t), nil)
			return
		}

		if ps := c.streams.take(taskID); ps != nil {
			if !c.relay(ctx, ps, yield) {
				return
			}
		}
		c.poll(ctx, taskID, yield)
	}
}

// relay drains a parked stream into yield. It returns true when the stream
// broke off before a terminal event and the caller should fall back to
// polling. When yield stops early the stream is handed to a background
// drainer so the outcome is still persisted.
func (c *Coordinator) relay(ctx context.Context, ps *parkedStream, yield func(Chunk, error) bool) bool {
	for {
		ev, err, ok := ps.next()
		if !ok || err != nil {
			if err != nil {
				slog.Warn("upstream stream broke, polling instead", "task_id", ps.task.ID, "error", err)
			}
			ps.close()
			return true
		}

		final, done := c.apply(ps, ev)
		if done {
			ps.close()
			if final == nil {
				return true
			}
			yield(finalChunk(final), nil)
			return false
		}

		if delta := answerDelta(ev); delta != "" {
			chunk := Chunk{TaskID: ps.task.ID, State: domain.TaskRunning, Delta: delta}
			if !yield(chunk, nil) {
				go c.drain(ps)
				return false
			}
		}
		if ctx.Err() != nil {
			go c.drain(ps)
			return false
		}
	}
}

// drain consumes the rest of a stream nobody is reading and persists its
// outcome.
func (c *Coordinator) drain(ps *parkedStream) {
	defer ps.close()
	for {
		ev, err, ok := ps.next()
		if !ok || err != nil {
			return
		}
		if _, done := c.apply(ps, ev); done {
			return
		}
	}
}

// apply folds one event into the stream state. done is true on a terminal
// chat event; final is the persisted task, or nil if persisting failed.
func (c *Coordinator) apply(ps *parkedStream, ev *upstream.Event) (*domain.Task, bool) {
	switch ev.Type {
	case upstream.EventMessageDelta:
		ps.answer.WriteString(answerDelta(ev))
		return nil, false

	case upstream.EventMessageCompleted:
		if ev.Message != nil {
			ps.messages = append(ps.messages, *ev.Message)
		}
		return nil, false

	case upstream.EventChatCompleted:
		return c.settle(ps, func(ctx context.Context, t *domain.Task, raw []byte) (*domain.Task, error) {
			result := upstream.CollectResult(ps.messages)
			if result.Content == "" {
				result.Content = ps.answer.String()
			}
			return c.complete(ctx, t, raw, result)
		}), true

	case upstream.EventChatFailed, upstream.EventRequiresAction:
		chat := ev.Chat
		if chat == nil {
			chat = &upstream.Chat{ID: ps.task.ChatID, Status: upstream.StatusFailed}
		}
		failure := chatFailure(chat)
		return c.settle(ps, func(ctx context.Context, t *domain.Task, raw []byte) (*domain.Task, error) {
			return c.transition(ctx, t, raw, func(next *domain.Task) error {
				return next.Fail(failure, c.now())
			})
		}), true

	case upstream.EventDone:
		return nil, true
	}
	return nil, false
}

// settle reloads the task and applies a terminal write. A task another
// writer already finished is returned as stored; one past its deadline is
// timed out instead.
func (c *Coordinator) settle(ps *parkedStream, write func(context.Context, *domain.Task, []byte) (*domain.Task, error)) *domain.Task {
	ctx := context.WithoutCancel(ps.ctx)
	t, raw, err := c.load(ctx, ps.task.ID)
	if err != nil {
		slog.Warn("failed to reload streamed task", "task_id", ps.task.ID, "error", err)
		return nil
	}
	if t.State.IsTerminal() {
		return t
	}
	if now := c.now(); t.Expired(now) {
		final, err := c.timeOut(ctx, t, raw, now)
		if err != nil {
			return nil
		}
		return final
	}

	final, err := write(ctx, t, raw)
	if err != nil {
		slog.Warn("failed to persist streamed result", "task_id", t.ID, "error", err)
		return nil
	}
	return final
}

// poll advances the task with GetResult until it is terminal. A chunk is
// yielded whenever the state changes. Upstream errors are transient here:
// the deadline bounds the loop.
func (c *Coordinator) poll(ctx context.Context, taskID string, yield func(Chunk, error) bool) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var last domain.TaskState
	for {
		t, err := c.GetResult(ctx, taskID)
		switch {
		case err == nil && t.State.IsTerminal():
			yield(finalChunk(t), nil)
			return
		case err == nil && t.State != last:
			last = t.State
			if !yield(Chunk{TaskID: t.ID, State: t.State}, nil) {
				return
			}
		case err != nil && !errors.Is(err, domain.ErrUpstream):
			yield(Chunk{}, err)
			return
		case err != nil:
			slog.Debug("poll failed, retrying", "task_id", taskID, "error", err)
		}

		select {
		case <-ctx.Done():
			yield(Chunk{}, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func finalChunk(t *domain.Task) Chunk {
	return Chunk{TaskID: t.ID, State: t.State, Final: true, Task: t}
}

func answerDelta(ev *upstream.Event) string {
	if ev.Type != upstream.EventMessageDelta || ev.Message == nil {
		return ""
	}
	if ev.Message.Role != "" && ev.Message.Role != "assistant" {
		return ""
	}
	if ev.Message.Type != "" && ev.Message.Type != "answer" {
		return ""
	}
	return ev.Message.Content
}
