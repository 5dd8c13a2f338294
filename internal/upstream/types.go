// Package upstream is the boundary to the Coze chat API.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/ashureev/cozegate/internal/domain"
)

// ChatStatus is the provider-reported status of a chat turn.
type ChatStatus string

const (
	StatusCreated        ChatStatus = "created"
	StatusInProgress     ChatStatus = "in_progress"
	StatusCompleted      ChatStatus = "completed"
	StatusFailed         ChatStatus = "failed"
	StatusRequiresAction ChatStatus = "requires_action"
	StatusCanceled       ChatStatus = "canceled"
)

// Finished reports whether the provider will not change the status again.
func (s ChatStatus) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRequiresAction, StatusCanceled:
		return true
	}
	return false
}

// ChatRequest starts one turn in a provider conversation.
type ChatRequest struct {
	BotID          string
	UserID         string
	ConversationID string
	Message        string
}

// Chat is the provider's view of a chat turn.
type Chat struct {
	ID             string
	ConversationID string
	Status         ChatStatus
	LastError      *domain.Failure
}

// Message is one message of a completed chat.
type Message struct {
	Role        string `json:"role"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// EventType names a streaming event.
type EventType string

const (
	EventChatCreated      EventType = "conversation.chat.created"
	EventChatInProgress   EventType = "conversation.chat.in_progress"
	EventMessageDelta     EventType = "conversation.message.delta"
	EventMessageCompleted EventType = "conversation.message.completed"
	EventChatCompleted    EventType = "conversation.chat.completed"
	EventChatFailed       EventType = "conversation.chat.failed"
	EventRequiresAction   EventType = "conversation.chat.requires_action"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Event is one decoded streaming event. Chat is set for conversation.chat.*
// events and Message for conversation.message.* events.
type Event struct {
	Type    EventType
	Chat    *Chat
	Message *Message
}

// Client is the Coze API surface used by the task coordinator.
type Client interface {
	// CreateConversation opens a new provider conversation and returns its id.
	CreateConversation(ctx context.Context) (string, error)

	// StartChat begins a non-streaming turn.
	StartChat(ctx context.Context, req ChatRequest) (*Chat, error)

	// RetrieveChat fetches the current status of a turn.
	RetrieveChat(ctx context.Context, conversationID, chatID string) (*Chat, error)

	// ListMessages returns the messages of a completed turn.
	ListMessages(ctx context.Context, conversationID, chatID string) ([]Message, error)

	// StreamChat begins a streaming turn. The sequence ends after a terminal
	// chat event, a done event or the first error.
	StreamChat(ctx context.Context, req ChatRequest) iter.Seq2[*Event, error]
}

// APIError is a non-success response from the provider.
type APIError struct {
	Op         string
	StatusCode int
	Code       int64
	Msg        string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("coze %s: code %d: %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("coze %s: http %d: %s", e.Op, e.StatusCode, e.Msg)
}

func (e *APIError) Unwrap() error { return domain.ErrUpstream }

// CollectResult folds the assistant messages of a completed chat into a
// result. The last answer wins; a message of an unknown type fills the
// content only when no answer was seen.
func CollectResult(messages []Message) *domain.Result {
	var content, reasoning string
	followUps := []string{}
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		switch m.Type {
		case "answer":
			content = m.Content
		case "verbose":
			reasoning = m.Content
		case "follow_up":
			if m.Content != "" {
				followUps = append(followUps, m.Content)
			}
		default:
			if content == "" && m.Content != "" {
				content = m.Content
			}
		}
	}

	raw, err := json.Marshal(messages)
	if err != nil {
		raw = nil
	}
	return &domain.Result{
		Content:           content,
		ReasoningContent:  reasoning,
		FollowUpQuestions: followUps,
		Raw:               raw,
	}
}
