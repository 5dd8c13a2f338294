package task

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamEvents(answer ...string) []*upstream.Event {
	events := []*upstream.Event{
		{Type: upstream.EventChatCreated, Chat: &upstream.Chat{ID: "chat-s", Status: upstream.StatusCreated}},
	}
	for _, part := range answer {
		events = append(events, &upstream.Event{
			Type:    upstream.EventMessageDelta,
			Message: &upstream.Message{Role: "assistant", Type: "answer", Content: part},
		})
	}
	events = append(events,
		&upstream.Event{
			Type:    upstream.EventMessageCompleted,
			Message: &upstream.Message{Role: "assistant", Type: "answer", Content: strings.Join(answer, "")},
		},
		&upstream.Event{Type: upstream.EventChatCompleted, Chat: &upstream.Chat{ID: "chat-s", Status: upstream.StatusCompleted}},
	)
	return events
}

func TestStreamRelaysDeltas(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.openSession(t)

	h.up.set(func(f *fakeUpstream) { f.events = streamEvents("Hel", "lo") })

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, task.State)
	assert.Equal(t, "chat-s", task.ChatID)
	assert.Equal(t, 1, h.coord.ParkedStreams())

	var deltas []string
	var final *domain.Task
	for chunk, err := range h.coord.Stream(ctx, task.ID) {
		require.NoError(t, err)
		if chunk.Final {
			final = chunk.Task
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, domain.TaskSucceeded, final.State)
	assert.Equal(t, "Hello", final.Result.Content)
	assert.Zero(t, h.coord.ParkedStreams())

	stored, err := h.coord.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, stored.State)
}

func TestStreamFailedChat(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.openSession(t)

	h.up.set(func(f *fakeUpstream) {
		f.events = []*upstream.Event{
			{Type: upstream.EventChatCreated, Chat: &upstream.Chat{ID: "chat-s", Status: upstream.StatusCreated}},
			{Type: upstream.EventChatFailed, Chat: &upstream.Chat{
				ID:        "chat-s",
				Status:    upstream.StatusFailed,
				LastError: &domain.Failure{Code: "COZE_4008", Message: "quota exceeded"},
			}},
		}
	})

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello", Stream: true})
	require.NoError(t, err)

	var chunks []Chunk
	for chunk, err := range h.coord.Stream(ctx, task.ID) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Final)
	assert.Equal(t, domain.TaskFailed, chunks[0].State)
	assert.Equal(t, "quota exceeded", chunks[0].Task.Failure.Message)
}

func TestStreamRejectedBeforeChatCreated(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.openSession(t)

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.State)
	assert.Zero(t, h.coord.ParkedStreams())
}

func TestStreamPollsWithoutParkedStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	sess := h.openSession(t)

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.up.set(func(f *fakeUpstream) {
			f.status = upstream.StatusCompleted
			f.messages = []upstream.Message{{Role: "assistant", Type: "answer", Content: "polled"}}
		})
	}()

	var chunks []Chunk
	for chunk, err := range h.coord.Stream(ctx, task.ID) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	require.NotEmpty(t, chunks)
	assert.Equal(t, domain.TaskRunning, chunks[0].State)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "polled", last.Task.Result.Content)
}

func TestStreamOfTerminalTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.openSession(t)

	h.up.set(func(f *fakeUpstream) {
		f.startErr = &upstream.APIError{Op: "start_chat", Code: 4000, Msg: "bad bot"}
	})
	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, task.State)

	n := 0
	for chunk, err := range h.coord.Stream(ctx, task.ID) {
		require.NoError(t, err)
		assert.True(t, chunk.Final)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestStreamUnknownTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for _, err := range h.coord.Stream(context.Background(), "missing") {
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestStreamStoppedEarlyStillPersists(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.openSession(t)

	h.up.set(func(f *fakeUpstream) { f.events = streamEvents("a", "b", "c") })

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello", Stream: true})
	require.NoError(t, err)

	for chunk, err := range h.coord.Stream(ctx, task.ID) {
		require.NoError(t, err)
		assert.Equal(t, "a", chunk.Delta)
		break
	}

	require.Eventually(t, func() bool {
		stored, _, err := h.coord.load(ctx, task.ID)
		return err == nil && stored.State == domain.TaskSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnclaimedStreamIsClosedAtDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TurnDeadline = 50 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	sess := h.openSession(t)

	// The harness clock is frozen; the deadline timer runs on wall time.
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	h.up.set(func(f *fakeUpstream) {
		f.events = streamEvents("x")
		f.streamStop = stop
	})

	task, err := h.coord.Submit(ctx, SubmitRequest{SessionID: sess.ID, Message: "hello", Stream: true})
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, task.State)
	require.Equal(t, 1, h.coord.ParkedStreams())

	require.Eventually(t, func() bool {
		return h.coord.ParkedStreams() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
