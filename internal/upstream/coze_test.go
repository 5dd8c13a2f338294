package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *CozeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCozeClient(WithBaseURL(srv.URL), WithToken("secret"))
}

func TestCreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/conversation/create", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"code":0,"msg":"","data":{"id":"conv-1"}}`)
	})

	id, err := c.CreateConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
}

func TestStartChatSendsMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/chat", r.URL.Path)
		assert.Equal(t, "conv-1", r.URL.Query().Get("conversation_id"))

		var body chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "b1", body.BotID)
		assert.Equal(t, "u1", body.UserID)
		assert.False(t, body.Stream)
		assert.True(t, body.AutoSaveHistory)
		require.Len(t, body.AdditionalMessages, 1)
		assert.Equal(t, "hello", body.AdditionalMessages[0].Content)
		assert.Equal(t, "user", body.AdditionalMessages[0].Role)

		fmt.Fprint(w, `{"code":0,"data":{"id":"chat-1","conversation_id":"conv-1","status":"in_progress"}}`)
	})

	chat, err := c.StartChat(context.Background(), ChatRequest{BotID: "b1", UserID: "u1", ConversationID: "conv-1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", chat.ID)
	assert.Equal(t, StatusInProgress, chat.Status)
	assert.Nil(t, chat.LastError)
}

func TestNonZeroCodeIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":4100,"msg":"authentication is invalid"}`)
	})

	_, err := c.StartChat(context.Background(), ChatRequest{BotID: "b1", UserID: "u1", ConversationID: "c", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, int64(4100), apiErr.Code)
	assert.Contains(t, apiErr.Error(), "authentication is invalid")
}

func TestHTTPFailureIsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.RetrieveChat(context.Background(), "c", "x")
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestRetrieveChatLastError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/chat/retrieve", r.URL.Path)
		assert.Equal(t, "chat-1", r.URL.Query().Get("chat_id"))
		fmt.Fprint(w, `{"code":0,"data":{"id":"chat-1","status":"failed","last_error":{"code":5000,"msg":"model overloaded"}}}`)
	})

	chat, err := c.RetrieveChat(context.Background(), "conv-1", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, chat.Status)
	require.NotNil(t, chat.LastError)
	assert.Equal(t, "COZE_5000", chat.LastError.Code)
	assert.Equal(t, "model overloaded", chat.LastError.Message)
}

func TestListMessagesAcceptsBothShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"list", `{"code":0,"data":[{"role":"assistant","type":"answer","content":"hi"}]}`},
		{"object", `{"code":0,"data":{"messages":[{"role":"assistant","type":"answer","content":"hi"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v3/chat/message/list", r.URL.Path)
				fmt.Fprint(w, tt.body)
			})
			messages, err := c.ListMessages(context.Background(), "c", "x")
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, "hi", messages[0].Content)
		})
	}
}

func TestChatStatusFinished(t *testing.T) {
	for _, s := range []ChatStatus{StatusCompleted, StatusFailed, StatusRequiresAction, StatusCanceled} {
		assert.True(t, s.Finished(), s)
	}
	for _, s := range []ChatStatus{StatusCreated, StatusInProgress, ""} {
		assert.False(t, s.Finished(), s)
	}
}

func TestCollectResult(t *testing.T) {
	result := CollectResult([]Message{
		{Role: "user", Type: "question", Content: "hello"},
		{Role: "assistant", Type: "verbose", Content: "thinking"},
		{Role: "assistant", Type: "answer", Content: "first"},
		{Role: "assistant", Type: "answer", Content: "final"},
		{Role: "assistant", Type: "follow_up", Content: "and then?"},
		{Role: "assistant", Type: "follow_up", Content: ""},
		{Role: "assistant", Type: "tool_output", Content: "ignored"},
	})

	assert.Equal(t, "final", result.Content)
	assert.Equal(t, "thinking", result.ReasoningContent)
	assert.Equal(t, []string{"and then?"}, result.FollowUpQuestions)
	assert.NotEmpty(t, result.Raw)
}

func TestCollectResultUntypedFallback(t *testing.T) {
	result := CollectResult([]Message{{Role: "assistant", Content: "plain"}})
	assert.Equal(t, "plain", result.Content)
	assert.Empty(t, result.FollowUpQuestions)
}

const sampleStream = `event: conversation.chat.created
data: {"id":"chat-9","conversation_id":"conv-1","status":"created"}

event: conversation.message.delta
data: {"role":"assistant","type":"answer","content":"Hel"}

event: conversation.message.delta
data: {"role":"assistant","type":"answer","content":"lo"}

event: conversation.chat.completed
data: {"id":"chat-9","conversation_id":"conv-1","status":"completed"}

event: done
data: "[DONE]"

`

func TestStreamChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sampleStream)
	})

	var types []EventType
	var text strings.Builder
	for ev, err := range c.StreamChat(context.Background(), ChatRequest{BotID: "b", UserID: "u", ConversationID: "conv-1", Message: "hi"}) {
		require.NoError(t, err)
		types = append(types, ev.Type)
		if ev.Type == EventMessageDelta {
			text.WriteString(ev.Message.Content)
		}
	}

	assert.Equal(t, []EventType{EventChatCreated, EventMessageDelta, EventMessageDelta, EventChatCompleted}, types)
	assert.Equal(t, "Hello", text.String())
}

func TestStreamChatErrorEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"code\":4000,\"msg\":\"bad bot\"}\n\n")
	})

	var gotErr error
	for _, err := range c.StreamChat(context.Background(), ChatRequest{}) {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, domain.ErrUpstream)
	assert.Contains(t, gotErr.Error(), "bad bot")
}

func TestStreamChatJSONRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":4015,"msg":"bot not published"}`)
	})

	var gotErr error
	for _, err := range c.StreamChat(context.Background(), ChatRequest{}) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, domain.ErrUpstream)
}

func TestDecodeEventsStopsEarly(t *testing.T) {
	n := 0
	for ev, err := range decodeEvents(io.NopCloser(strings.NewReader(sampleStream))) {
		require.NoError(t, err)
		n++
		if ev.Type == EventChatCreated {
			break
		}
	}
	assert.Equal(t, 1, n)
}

func TestDecodeEventsWithoutTrailingBlankLine(t *testing.T) {
	var got []*Event
	for ev, err := range decodeEvents(strings.NewReader("event: conversation.chat.in_progress\ndata: {\"id\":\"c\"}")) {
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Chat.ID)
}
