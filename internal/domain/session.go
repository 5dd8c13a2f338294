// Package domain contains core domain types for the cozegate service.
package domain

import (
	"maps"
	"time"
)

// Session is a logical conversation between one caller and the chat provider.
type Session struct {
	ID             string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	BotID          string            `json:"bot_id"`
	ConversationID string            `json:"provider_conversation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActiveAt   time.Time         `json:"last_active_at"`
}

// HasConversation returns true once the provider conversation id is assigned.
func (s *Session) HasConversation() bool {
	return s.ConversationID != ""
}

// IdleTTL returns the time until the session expires from the store.
// Returns 0 if the session has already expired.
func (s *Session) IdleTTL(idle time.Duration, now time.Time) time.Duration {
	ttl := s.LastActiveAt.Add(idle).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a deep copy so callers never share the metadata map.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}
