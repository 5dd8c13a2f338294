// Package task runs chat turns against the upstream provider with at most
// one turn in flight per session.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/metrics"
	"github.com/ashureev/cozegate/internal/store"
	"github.com/ashureev/cozegate/internal/upstream"
	"github.com/google/uuid"
)

const (
	// reserveAttempts bounds the claim/takeover loop on the reservation key.
	reserveAttempts = 5
	// reservationGrace keeps the reservation a little past the turn deadline
	// so a late writer still finds it.
	reservationGrace = time.Minute
)

// Config holds coordinator settings.
type Config struct {
	TurnDeadline     time.Duration
	ResultTTL        time.Duration
	PollInterval     time.Duration
	MaxMessageLength int
}

// DefaultConfig returns the stock turn settings.
func DefaultConfig() Config {
	return Config{
		TurnDeadline:     5 * time.Minute,
		ResultTTL:        30 * time.Minute,
		PollInterval:     time.Second,
		MaxMessageLength: 4000,
	}
}

// Sessions is the part of the session registry the coordinator needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string) error
	AssignConversation(ctx context.Context, id, conversationID string) (string, error)
}

// Transcript receives the user and assistant sides of each turn.
type Transcript interface {
	UserMessage(t *domain.Task)
	AssistantMessage(t *domain.Task)
}

// SubmitRequest is one user message posted into a session.
type SubmitRequest struct {
	SessionID string
	Message   string
	Stream    bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records submissions, transitions and upstream calls on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTranscript forwards each turn's user message and answer to t.
func WithTranscript(t Transcript) Option {
	return func(c *Coordinator) { c.transcript = t }
}

// WithClock replaces time.Now for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the task state machine. All cross-process state lives in
// the store; the only in-process state is the table of parked streams.
type Coordinator struct {
	kv         store.KV
	sessions   Sessions
	client     upstream.Client
	cfg        Config
	metrics    *metrics.Metrics
	transcript Transcript
	now        func() time.Time
	streams    *streamTable
}

// New creates a coordinator.
func New(kv store.KV, sessions Sessions, client upstream.Client, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = def.TurnDeadline
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	c := &Coordinator{
		kv:       kv,
		sessions: sessions,
		client:   client,
		cfg:      cfg,
		now:      time.Now,
		streams:  newStreamTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func taskKey(id string) string { return "task:" + id }

func reservationKey(sessionID string) string { return "session_task:" + sessionID }

func historyIndex(sessionID string) string { return "session_tasks:" + sessionID }

// Submit starts a turn in a session, or returns the turn already in flight.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message cannot be empty", domain.ErrValidation)
	}
	if c.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(req.Message) > c.cfg.MaxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, c.cfg.MaxMessageLength)
	}

	sess, err := c.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	t := domain.NewTask(uuid.NewString(), sess.ID, req.Message, req.Stream, now, c.cfg.TurnDeadline)
	t.UserID = sess.UserID
	t.ConversationID = sess.ConversationID

	// The record exists before the reservation points at it, so a caller
	// that loses the race can always load the winner.
	raw, err := c.create(ctx, t)
	if err != nil {
		return nil, err
	}

	holder, err := c.reserve(ctx, t)
	if err != nil {
		c.discard(ctx, t.ID)
		return nil, err
	}
	if holder != nil {
		c.discard(ctx, t.ID)
		c.metrics.Submission("duplicate")
		slog.Info("turn already in flight", "session_id", sess.ID, "task_id", holder.ID, "state", holder.State)
		return holder, nil
	}

	// From here on the slot is ours: a caller that hangs up must not leave
	// the task PENDING, so every write outlives the request.
	ctx, cancel := c.detach(ctx, t)
	defer cancel()

	if err := c.kv.IndexAdd(ctx, historyIndex(sess.ID), t.ID, t.Deadline.Add(c.cfg.ResultTTL)); err != nil {
		slog.Warn("failed to index task", "task_id", t.ID, "session_id", sess.ID, "error", err)
	}
	if c.transcript != nil {
		c.transcript.UserMessage(t)
	}
	slog.Info("turn submitted", "session_id", sess.ID, "task_id", t.ID, "stream", t.Stream)

	started, err := c.start(ctx, sess, t, raw)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Touch(ctx, sess.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("failed to touch session", "session_id", sess.ID, "error", err)
	}
	return started, nil
}

// GetResult returns the current task, advancing it from the upstream when it
// is RUNNING. Terminal tasks are returned from the store without any
// upstream call.
func (c *Coordinator) GetResult(ctx context.Context, taskID string) (*domain.Task, error) {
	t, raw, err := c.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State.IsTerminal() {
		return t, nil
	}

	now := c.now()
	if t.Expired(now) {
		return c.timeOut(ctx, t, raw, now)
	}
	if t.State == domain.TaskPending {
		return t, nil
	}

	upCtx, cancel := c.upstreamContext(ctx, t)
	defer cancel()

	start := time.Now()
	chat, err := c.client.RetrieveChat(upCtx, t.ConversationID, t.ChatID)
	c.metrics.ObserveUpstream("retrieve_chat", start, err)
	if err != nil {
		if now := c.now(); t.Expired(now) {
			return c.timeOut(ctx, t, raw, now)
		}
		return nil, fmt.Errorf("poll chat %s: %w", t.ChatID, err)
	}

	if !chat.Status.Finished() {
		return t, nil
	}
	if chat.Status == upstream.StatusCompleted {
		start = time.Now()
		messages, err := c.client.ListMessages(upCtx, t.ConversationID, t.ChatID)
		c.metrics.ObserveUpstream("list_messages", start, err)
		if err != nil {
			return nil, fmt.Errorf("list messages for chat %s: %w", t.ChatID, err)
		}
		return c.complete(ctx, t, raw, upstream.CollectResult(messages))
	}

	failure := chatFailure(chat)
	return c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Fail(failure, c.now())
	})
}

// ListBySession returns the session's retained tasks, oldest first.
func (c *Coordinator) ListBySession(ctx context.Context, sessionID string) ([]*domain.Task, error) {
	ids, err := c.kv.IndexMembers(ctx, historyIndex(sessionID))
	if err != nil {
		c.metrics.StoreError("task")
		return nil, fmt.Errorf("list session tasks: %w", err)
	}
	tasks := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		t, _, err := c.load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *domain.Task) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tasks, nil
}

// ParkedStreams returns the number of upstream streams waiting for a reader.
func (c *Coordinator) ParkedStreams() int {
	return c.streams.len()
}

// Close shuts every parked stream.
func (c *Coordinator) Close() {
	c.streams.closeAll()
}

// start runs the upstream side of a freshly reserved PENDING task.
func (c *Coordinator) start(ctx context.Context, sess *domain.Session, t *domain.Task, raw []byte) (*domain.Task, error) {
	upCtx, cancel := c.upstreamContext(ctx, t)

	conversationID := sess.ConversationID
	if conversationID == "" {
		start := time.Now()
		created, err := c.client.CreateConversation(upCtx)
		c.metrics.ObserveUpstream("create_conversation", start, err)
		if err != nil {
			cancel()
			return c.reject(ctx, t, raw, err)
		}
		conversationID, err = c.sessions.AssignConversation(ctx, sess.ID, created)
		if err != nil {
			cancel()
			c.abandon(ctx, t, raw, err)
			return nil, err
		}
	}

	chatReq := upstream.ChatRequest{
		BotID:          sess.BotID,
		UserID:         sess.UserID,
		ConversationID: conversationID,
		Message:        t.Input,
	}
	if t.Stream {
		cancel()
		return c.startStream(ctx, t, raw, chatReq)
	}
	defer cancel()

	start := time.Now()
	chat, err := c.client.StartChat(upCtx, chatReq)
	c.metrics.ObserveUpstream("start_chat", start, err)
	if err != nil {
		return c.reject(ctx, t, raw, err)
	}
	if chat.Status == upstream.StatusFailed || chat.Status == upstream.StatusCanceled {
		failure := chatFailure(chat)
		return c.transition(ctx, t, raw, func(next *domain.Task) error {
			next.ConversationID = conversationID
			return next.Fail(failure, c.now())
		})
	}

	c.metrics.Submission("created")
	return c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Run(conversationID, chat.ID, c.now())
	})
}

// detach returns a context free of the caller's cancellation for store
// writes that must land once a turn is reserved. It ends with the
// reservation.
func (c *Coordinator) detach(ctx context.Context, t *domain.Task) (context.Context, context.CancelFunc) {
	remaining := t.Deadline.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	return context.WithTimeout(context.WithoutCancel(ctx), remaining+reservationGrace)
}

// upstreamContext detaches from the caller so an abandoned request never
// cancels the provider call; the turn deadline bounds it instead.
func (c *Coordinator) upstreamContext(ctx context.Context, t *domain.Task) (context.Context, context.CancelFunc) {
	remaining := t.Deadline.Sub(c.now())
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	return context.WithTimeout(context.WithoutCancel(ctx), remaining)
}

// reject records an upstream refusal at submission as FAILED.
func (c *Coordinator) reject(ctx context.Context, t *domain.Task, raw []byte, cause error) (*domain.Task, error) {
	c.metrics.Submission("rejected")
	slog.Warn("upstream rejected turn", "task_id", t.ID, "session_id", t.SessionID, "error", cause)
	failure := errorFailure(cause)
	return c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Fail(failure, c.now())
	})
}

// abandon fails a reserved task after a store error so the session is not
// blocked until the deadline. Failures here are only logged.
func (c *Coordinator) abandon(ctx context.Context, t *domain.Task, raw []byte, cause error) {
	failure := domain.Failure{Code: "STORE_UNAVAILABLE", Message: cause.Error()}
	if _, err := c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Fail(failure, c.now())
	}); err != nil {
		slog.Warn("failed to abandon task", "task_id", t.ID, "error", err)
	}
}

func (c *Coordinator) timeOut(ctx context.Context, t *domain.Task, raw []byte, now time.Time) (*domain.Task, error) {
	slog.Info("turn deadline exceeded", "task_id", t.ID, "session_id", t.SessionID, "state", t.State)
	return c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.TimeOut(now)
	})
}

// complete moves a RUNNING task to SUCCEEDED, or to FAILED when the provider
// finished without an answer.
func (c *Coordinator) complete(ctx context.Context, t *domain.Task, raw []byte, result *domain.Result) (*domain.Task, error) {
	if result.Content == "" {
		return c.transition(ctx, t, raw, func(next *domain.Task) error {
			return next.Fail(domain.Failure{Code: "EMPTY_ANSWER", Message: "chat completed without an assistant answer"}, c.now())
		})
	}
	return c.transition(ctx, t, raw, func(next *domain.Task) error {
		return next.Succeed(result, c.now())
	})
}

// create writes a new PENDING record and returns its encoding.
func (c *Coordinator) create(ctx context.Context, t *domain.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	if err := c.kv.Set(ctx, taskKey(t.ID), data, c.ttl(t)); err != nil {
		c.metrics.StoreError("task")
		return nil, fmt.Errorf("save task: %w", err)
	}
	return data, nil
}

// reserve claims the session's single-flight slot for t. It returns the
// task already holding the slot when that task is still live.
func (c *Coordinator) reserve(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	key := reservationKey(t.SessionID)
	ttl := t.Deadline.Sub(c.now()) + reservationGrace

	for range reserveAttempts {
		ok, err := c.kv.CompareAndSet(ctx, key, nil, []byte(t.ID), ttl)
		if err != nil {
			c.metrics.StoreError("reservation")
			return nil, fmt.Errorf("reserve session: %w", err)
		}
		if ok {
			return nil, nil
		}

		current, present, err := c.kv.Get(ctx, key)
		if err != nil {
			c.metrics.StoreError("reservation")
			return nil, fmt.Errorf("read reservation: %w", err)
		}
		if !present {
			continue
		}

		holder, err := c.liveHolder(ctx, string(current))
		if err != nil {
			return nil, err
		}
		if holder != nil {
			return holder, nil
		}

		ok, err = c.kv.CompareAndSet(ctx, key, current, []byte(t.ID), ttl)
		if err != nil {
			c.metrics.StoreError("reservation")
			return nil, fmt.Errorf("take over reservation: %w", err)
		}
		if ok {
			c.metrics.Submission("takeover")
			slog.Info("took over stale reservation", "session_id", t.SessionID, "stale_task_id", string(current), "task_id", t.ID)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: reserve session %s: too many concurrent submissions", domain.ErrStoreUnavailable, t.SessionID)
}

// liveHolder loads the task a reservation points at. It returns nil when the
// reservation is stale: the task is missing, terminal or past its deadline.
func (c *Coordinator) liveHolder(ctx context.Context, taskID string) (*domain.Task, error) {
	holder, raw, err := c.load(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if holder.State.IsTerminal() {
		return nil, nil
	}
	if now := c.now(); holder.Expired(now) {
		if _, err := c.timeOut(ctx, holder, raw, now); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return holder, nil
}

// transition applies fn to a copy of t and writes it with a compare-and-set
// against raw. When another writer got there first its record is returned,
// so state never regresses.
func (c *Coordinator) transition(ctx context.Context, t *domain.Task, raw []byte, fn func(*domain.Task) error) (*domain.Task, error) {
	next := *t
	if err := fn(&next); err != nil {
		return nil, err
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	ok, err := c.kv.CompareAndSet(ctx, taskKey(t.ID), raw, data, c.ttl(&next))
	if err != nil {
		c.metrics.StoreError("task")
		return nil, fmt.Errorf("update task: %w", err)
	}
	if !ok {
		winner, _, err := c.load(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		slog.Debug("task updated concurrently", "task_id", t.ID, "state", winner.State)
		return winner, nil
	}

	c.metrics.Transition(string(next.State))
	slog.Info("task transition", "task_id", next.ID, "session_id", next.SessionID, "from", t.State, "to", next.State)
	if next.State.IsTerminal() {
		c.finish(ctx, &next)
	}
	return &next, nil
}

// finish releases the single-flight slot and any parked stream of a task
// that just became terminal.
func (c *Coordinator) finish(ctx context.Context, t *domain.Task) {
	if _, err := c.kv.CompareAndSet(ctx, reservationKey(t.SessionID), []byte(t.ID), nil, 0); err != nil {
		slog.Warn("failed to release reservation", "task_id", t.ID, "session_id", t.SessionID, "error", err)
	}
	if ps := c.streams.take(t.ID); ps != nil {
		ps.close()
	}
	if t.State == domain.TaskSucceeded && c.transcript != nil {
		c.transcript.AssistantMessage(t)
	}
}

func (c *Coordinator) load(ctx context.Context, taskID string) (*domain.Task, []byte, error) {
	raw, ok, err := c.kv.Get(ctx, taskKey(taskID))
	if err != nil {
		c.metrics.StoreError("task")
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	if err := t.Validate(); err != nil {
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	return &t, raw, nil
}

func (c *Coordinator) discard(ctx context.Context, taskID string) {
	if _, err := c.kv.Delete(ctx, taskKey(taskID)); err != nil {
		slog.Debug("failed to discard task record", "task_id", taskID, "error", err)
	}
}

// ttl keeps live tasks until their deadline plus the result retention, and
// terminal tasks for the result retention.
func (c *Coordinator) ttl(t *domain.Task) time.Duration {
	if t.State.IsTerminal() {
		return c.cfg.ResultTTL
	}
	remaining := t.Deadline.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining + c.cfg.ResultTTL
}

func chatFailure(chat *upstream.Chat) domain.Failure {
	if chat.LastError != nil {
		return *chat.LastError
	}
	return domain.Failure{
		Code:    "COZE_" + strings.ToUpper(string(chat.Status)),
		Message: fmt.Sprintf("chat %s ended with status %s", chat.ID, chat.Status),
	}
}

func errorFailure(err error) domain.Failure {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return domain.Failure{Code: fmt.Sprintf("COZE_%d", apiErr.Code), Message: apiErr.Msg}
	}
	return domain.Failure{Code: "UPSTREAM_ERROR", Message: err.Error()}
}
