package task

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/session"
	"github.com/ashureev/cozegate/internal/store"
	"github.com/ashureev/cozegate/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeUpstream is a scripted upstream.Client that counts calls.
type fakeUpstream struct {
	mu sync.Mutex

	conversations int
	starts        int
	retrieves     int
	lists         int
	streams       int

	startGate   chan struct{}
	startErr    error
	startStatus upstream.ChatStatus
	status      upstream.ChatStatus
	lastError   *domain.Failure
	retrieveErr error
	messages    []upstream.Message
	events      []*upstream.Event
	streamStop  chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		startStatus: upstream.StatusInProgress,
		status:      upstream.StatusInProgress,
	}
}

func (f *fakeUpstream) CreateConversation(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations++
	return fmt.Sprintf("conv-%d", f.conversations), nil
}

func (f *fakeUpstream) StartChat(ctx context.Context, req upstream.ChatRequest) (*upstream.Chat, error) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	gate := f.startGate
	err := f.startErr
	status := f.startStatus
	lastError := f.lastError
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &upstream.Chat{
		ID:             fmt.Sprintf("chat-%d", n),
		ConversationID: req.ConversationID,
		Status:         status,
		LastError:      lastError,
	}, nil
}

func (f *fakeUpstream) RetrieveChat(ctx context.Context, conversationID, chatID string) (*upstream.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieves++
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	return &upstream.Chat{ID: chatID, ConversationID: conversationID, Status: f.status, LastError: f.lastError}, nil
}

func (f *fakeUpstream) ListMessages(ctx context.Context, conversationID, chatID string) ([]upstream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.messages, nil
}

func (f *fakeUpstream) StreamChat(ctx context.Context, req upstream.ChatRequest) iter.Seq2[*upstream.Event, error] {
	f.mu.Lock()
	f.streams++
	events := f.events
	stop := f.streamStop
	f.mu.Unlock()

	return func(yield func(*upstream.Event, error) bool) {
		for i, ev := range events {
			// Hold the stream open after the first event when asked to.
			if i == 1 && stop != nil {
				select {
				case <-stop:
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				}
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (f *fakeUpstream) set(fn func(f *fakeUpstream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeUpstream) counts() (conversations, starts, retrieves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations, f.starts, f.retrieves
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyKV fails compare-and-set while down is set.
type flakyKV struct {
	store.KV
	down atomic.Bool
}

func (f *flakyKV) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if f.down.Load() {
		return false, fmt.Errorf("%w: compare_and_set: connection refused", domain.ErrStoreUnavailable)
	}
	return f.KV.CompareAndSet(ctx, key, expected, value, ttl)
}

type fakeTranscript struct {
	mu        sync.Mutex
	user      []string
	assistant []string
}

func (f *fakeTranscript) UserMessage(t *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = append(f.user, t.Input)
}

func (f *fakeTranscript) AssistantMessage(t *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistant = append(f.assistant, t.Result.Content)
}

type harness struct {
	coord      *Coordinator
	registry   *session.Registry
	up         *fakeUpstream
	kv         *flakyKV
	clock      *testClock
	transcript *fakeTranscript
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	base := store.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "coze:")
	t.Cleanup(func() { _ = base.Close() })

	kv := &flakyKV{KV: base}
	registry := session.NewRegistry(base, session.Config{IdleTTL: time.Hour}, nil)
	up := newFakeUpstream()
	clock := &testClock{now: time.Now()}
	tr := &fakeTranscript{}

	coord := New(kv, registry, up, cfg, WithClock(clock.Now), WithTranscript(tr))
	t.Cleanup(coord.Close)

	return &harness{coord: coord, registry: registry, up: up, kv: kv, clock: clock, transcript: tr}
}

func (h *harness) openSession(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := h.registry.Open(context.Background(), session.OpenRequest{UserID: "u1", BotID: "b1"})
	require.NoError(t, err)
	return sess
}
