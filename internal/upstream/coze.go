package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/tidwall/gjson"
)

// CozeClient talks to the Coze v3 chat API over HTTP.
type CozeClient struct {
	opts       options
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
}

// NewCozeClient constructs a client. WithToken is required for real traffic.
func NewCozeClient(opts ...Option) *CozeClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	stream := &http.Client{Transport: o.httpClient.Transport}
	return &CozeClient{opts: o, httpClient: o.httpClient, streamClient: stream}
}

type chatPayload struct {
	BotID              string           `json:"bot_id"`
	UserID             string           `json:"user_id"`
	Stream             bool             `json:"stream"`
	AutoSaveHistory    bool             `json:"auto_save_history"`
	AdditionalMessages []messagePayload `json:"additional_messages"`
}

type messagePayload struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

func newChatPayload(req ChatRequest, stream bool) chatPayload {
	return chatPayload{
		BotID:           req.BotID,
		UserID:          req.UserID,
		Stream:          stream,
		AutoSaveHistory: true,
		AdditionalMessages: []messagePayload{
			{Role: "user", Content: req.Message, ContentType: "text"},
		},
	}
}

// CreateConversation opens a new provider conversation.
func (c *CozeClient) CreateConversation(ctx context.Context) (string, error) {
	body, err := c.call(ctx, "create_conversation", http.MethodPost, "/v1/conversation/create", nil, struct{}{})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "data.id").String()
	if id == "" {
		return "", &APIError{Op: "create_conversation", StatusCode: http.StatusOK, Msg: "response has no conversation id"}
	}
	return id, nil
}

// StartChat begins a non-streaming turn.
func (c *CozeClient) StartChat(ctx context.Context, req ChatRequest) (*Chat, error) {
	query := url.Values{"conversation_id": {req.ConversationID}}
	body, err := c.call(ctx, "start_chat", http.MethodPost, "/v3/chat", query, newChatPayload(req, false))
	if err != nil {
		return nil, err
	}
	chat := parseChat(gjson.GetBytes(body, "data"))
	if chat.ID == "" {
		return nil, &APIError{Op: "start_chat", StatusCode: http.StatusOK, Msg: "response has no chat id"}
	}
	return chat, nil
}

// RetrieveChat fetches the current status of a turn.
func (c *CozeClient) RetrieveChat(ctx context.Context, conversationID, chatID string) (*Chat, error) {
	query := url.Values{"conversation_id": {conversationID}, "chat_id": {chatID}}
	body, err := c.call(ctx, "retrieve_chat", http.MethodGet, "/v3/chat/retrieve", query, nil)
	if err != nil {
		return nil, err
	}
	return parseChat(gjson.GetBytes(body, "data")), nil
}

// ListMessages returns the messages of a completed turn. The API answers
// with either a bare list or an object holding a messages list.
func (c *CozeClient) ListMessages(ctx context.Context, conversationID, chatID string) ([]Message, error) {
	query := url.Values{"conversation_id": {conversationID}, "chat_id": {chatID}}
	body, err := c.call(ctx, "list_messages", http.MethodGet, "/v3/chat/message/list", query, nil)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if data.IsObject() {
		data = data.Get("messages")
	}
	messages := []Message{}
	data.ForEach(func(_, m gjson.Result) bool {
		if !m.IsObject() {
			return true
		}
		messages = append(messages, parseMessage(m))
		return true
	})
	return messages, nil
}

// StreamChat begins a streaming turn and yields decoded events.
func (c *CozeClient) StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		query := url.Values{"conversation_id": {req.ConversationID}}
		httpReq, err := c.newRequest(ctx, http.MethodPost, "/v3/chat", query, newChatPayload(req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.streamClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("%w: coze stream_chat: %v", domain.ErrUpstream, err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.opts.logger.Debug("failed to close stream body", "error", closeErr)
			}
		}()

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, &APIError{Op: "stream_chat", StatusCode: resp.StatusCode, Msg: string(data)})
			return
		}

		// A JSON body instead of an event stream carries an API error.
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if err := checkEnvelope("stream_chat", resp.StatusCode, data); err != nil {
				yield(nil, err)
				return
			}
			yield(nil, &APIError{Op: "stream_chat", StatusCode: resp.StatusCode, Msg: "expected an event stream"})
			return
		}

		for ev, err := range decodeEvents(resp.Body) {
			if err != nil {
				yield(nil, fmt.Errorf("%w: coze stream_chat: %v", domain.ErrUpstream, err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (c *CozeClient) newRequest(ctx context.Context, method, path string, query url.Values, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = buf
	}

	target := strings.TrimRight(c.opts.baseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.opts.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *CozeClient) call(ctx context.Context, op, method, path string, query url.Values, payload any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: coze %s: %v", domain.ErrUpstream, op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.opts.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: coze %s: read body: %v", domain.ErrUpstream, op, err)
	}
	if err := checkEnvelope(op, resp.StatusCode, data); err != nil {
		c.opts.logger.Warn("coze call rejected", "op", op, "status", resp.StatusCode, "error", err)
		return nil, err
	}
	return data, nil
}

// checkEnvelope rejects HTTP failures and envelopes with a non-zero code.
func checkEnvelope(op string, status int, body []byte) error {
	if status >= 400 {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = truncate(string(body), 512)
		}
		return &APIError{Op: op, StatusCode: status, Code: gjson.GetBytes(body, "code").Int(), Msg: msg}
	}
	if !gjson.ValidBytes(body) {
		return &APIError{Op: op, StatusCode: status, Msg: "invalid JSON response"}
	}
	if code := gjson.GetBytes(body, "code").Int(); code != 0 {
		return &APIError{Op: op, StatusCode: status, Code: code, Msg: gjson.GetBytes(body, "msg").String()}
	}
	return nil
}

func parseChat(r gjson.Result) *Chat {
	chat := &Chat{
		ID:             r.Get("id").String(),
		ConversationID: r.Get("conversation_id").String(),
		Status:         ChatStatus(r.Get("status").String()),
	}
	if le := r.Get("last_error"); le.Exists() && le.Get("code").Int() != 0 {
		chat.LastError = &domain.Failure{
			Code:    fmt.Sprintf("COZE_%d", le.Get("code").Int()),
			Message: le.Get("msg").String(),
		}
	}
	return chat
}

func parseMessage(r gjson.Result) Message {
	return Message{
		Role:        r.Get("role").String(),
		Type:        r.Get("type").String(),
		Content:     r.Get("content").String(),
		ContentType: r.Get("content_type").String(),
	}
}

// decodeEvents reads a text/event-stream body. Events are separated by blank
// lines; each carries an event: name and one or more data: lines. The
// sequence stops after done or a final chat event.
func decodeEvents(body io.Reader) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var name string
		var data strings.Builder
		emit := func() bool {
			ev, err := buildEvent(name, data.String())
			name = ""
			data.Reset()
			if err != nil {
				yield(nil, err)
				return false
			}
			if !yield(ev, nil) {
				return false
			}
			return ev.Type != EventDone && !isFinalChatEvent(ev.Type)
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if name == "" && data.Len() == 0 {
					continue
				}
				if !emit() {
					return
				}
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("read event stream: %w", err))
			return
		}
		if name != "" || data.Len() > 0 {
			emit()
		}
	}
}

func isFinalChatEvent(t EventType) bool {
	return t == EventChatCompleted || t == EventChatFailed || t == EventRequiresAction
}

func buildEvent(name, data string) (*Event, error) {
	ev := &Event{Type: EventType(name)}
	switch {
	case ev.Type == EventError:
		r := gjson.Parse(data)
		return nil, &APIError{
			Op:   "stream_chat",
			Code: r.Get("code").Int(),
			Msg:  firstNonEmpty(r.Get("msg").String(), data),
		}
	case ev.Type == EventDone:
		return ev, nil
	case strings.HasPrefix(name, "conversation.chat."):
		ev.Chat = parseChat(gjson.Parse(data))
	case strings.HasPrefix(name, "conversation.message."):
		m := parseMessage(gjson.Parse(data))
		ev.Message = &m
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
