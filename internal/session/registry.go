// Package session manages session identity and metadata in the state store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
	"github.com/ashureev/cozegate/internal/metrics"
	"github.com/ashureev/cozegate/internal/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	idPrefix    = "coze_session_"
	idAlphabet  = "0123456789abcdef"
	activeIndex = "active_sessions"

	// casAttempts bounds read-modify-write loops on one session record.
	casAttempts = 8
)

var errContention = errors.New("too many concurrent updates")

// Config holds registry settings.
type Config struct {
	// IdleTTL is how long a session survives without activity.
	IdleTTL time.Duration
	// MaxPerUser caps open sessions per user. Zero disables the cap. The cap
	// is best-effort: concurrent opens for one user may each pass the count
	// and overshoot it by the number of racing callers.
	MaxPerUser int
}

// OpenRequest describes a new session.
type OpenRequest struct {
	UserID   string
	BotID    string
	Metadata map[string]string
}

// Stats summarizes registry contents.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
}

// Registry creates, loads, refreshes and closes sessions.
type Registry struct {
	kv      store.KV
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry creates a registry over kv. m may be nil.
func NewRegistry(kv store.KV, cfg Config, m *metrics.Metrics) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	return &Registry{kv: kv, cfg: cfg, metrics: m, now: time.Now}
}

func sessionKey(id string) string { return "session:" + id }

func userIndex(userID string) string { return "user_sessions:" + userID }

// NewID returns a session id of the form coze_session_<unix-ms>_<8 hex>.
func NewID(now time.Time) (string, error) {
	suffix, err := gonanoid.Generate(idAlphabet, 8)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("%s%d_%s", idPrefix, now.UnixMilli(), suffix), nil
}

// ValidID reports whether id has the session id shape.
func ValidID(id string) bool {
	return strings.HasPrefix(id, idPrefix) && len(id) > len(idPrefix)
}

// Open creates a session for a user and bot.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*domain.Session, error) {
	userID := strings.TrimSpace(req.UserID)
	botID := strings.TrimSpace(req.BotID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if botID == "" {
		return nil, fmt.Errorf("%w: bot_id is required", domain.ErrValidation)
	}

	// Count then create is not atomic; see Config.MaxPerUser.
	if r.cfg.MaxPerUser > 0 {
		open, err := r.kv.IndexMembers(ctx, userIndex(userID))
		if err != nil {
			r.metrics.StoreError("session")
			return nil, fmt.Errorf("count user sessions: %w", err)
		}
		if len(open) >= r.cfg.MaxPerUser {
			return nil, fmt.Errorf("%w: user %s already has %d open sessions", domain.ErrValidation, userID, len(open))
		}
	}

	now := r.now()
	sess := &domain.Session{
		UserID:       userID,
		BotID:        botID,
		Metadata:     maps.Clone(req.Metadata),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	for attempt := 0; ; attempt++ {
		id, err := NewID(now)
		if err != nil {
			return nil, err
		}
		sess.ID = id

		data, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}
		ok, err := r.kv.CompareAndSet(ctx, sessionKey(id), nil, data, r.cfg.IdleTTL)
		if err != nil {
			r.metrics.StoreError("session")
			return nil, fmt.Errorf("save session: %w", err)
		}
		if ok {
			break
		}
		if attempt >= casAttempts {
			return nil, fmt.Errorf("allocate session id: %w", errContention)
		}
	}

	r.index(ctx, sess)
	r.metrics.SessionOpened()
	slog.Info("session opened", "session_id", sess.ID, "user_id", userID, "bot_id", botID)

	return sess.Clone(), nil
}

// Get loads a live session.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, _, err := r.load(ctx, id)
	return sess, err
}

// Touch marks the session active now and extends its lifetime.
func (r *Registry) Touch(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, func(s *domain.Session) bool {
		s.LastActiveAt = r.now()
		return true
	})
	return err
}

// AssignConversation records the provider conversation id once. It returns
// the effective id, which is an earlier caller's id when one was already set.
func (r *Registry) AssignConversation(ctx context.Context, id, conversationID string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("%w: conversation id is required", domain.ErrValidation)
	}
	sess, err := r.update(ctx, id, func(s *domain.Session) bool {
		if s.HasConversation() {
			return false
		}
		s.ConversationID = conversationID
		return true
	})
	if err != nil {
		return "", err
	}
	if sess.ConversationID != conversationID {
		slog.Info("conversation already assigned", "session_id", id, "conversation_id", sess.ConversationID)
	}
	return sess.ConversationID, nil
}

// Close removes a session. It returns false if the session was already gone.
func (r *Registry) Close(ctx context.Context, id string) (bool, error) {
	sess, _, err := r.load(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	removed, err := r.kv.Delete(ctx, sessionKey(id))
	if err != nil {
		r.metrics.StoreError("session")
		return false, fmt.Errorf("delete session: %w", err)
	}
	r.unindex(ctx, sess.UserID, id)

	if removed {
		r.metrics.SessionClosed()
		slog.Info("session closed", "session_id", id, "user_id", sess.UserID)
	}
	return removed, nil
}

// ListByUser returns the user's live sessions, newest first.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	ids, err := r.kv.IndexMembers(ctx, userIndex(userID))
	if err != nil {
		r.metrics.StoreError("session")
		return nil, fmt.Errorf("list user sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, _, err := r.load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			r.unindex(ctx, userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	slices.SortFunc(sessions, func(a, b *domain.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return sessions, nil
}

// Stats counts live sessions in the active index.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	ids, err := r.kv.IndexMembers(ctx, activeIndex)
	if err != nil {
		r.metrics.StoreError("session")
		return Stats{}, fmt.Errorf("list active sessions: %w", err)
	}
	return Stats{ActiveSessions: len(ids)}, nil
}

// Prune drops active index members whose session record no longer exists.
// It returns the number of members removed.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	ids, err := r.kv.IndexMembers(ctx, activeIndex)
	if err != nil {
		r.metrics.StoreError("session")
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		_, ok, err := r.kv.Get(ctx, sessionKey(id))
		if err != nil {
			return pruned, fmt.Errorf("check session %s: %w", id, err)
		}
		if ok {
			continue
		}
		if err := r.kv.IndexRemove(ctx, activeIndex, id); err != nil {
			return pruned, fmt.Errorf("prune session %s: %w", id, err)
		}
		pruned++
	}
	r.metrics.SessionsPrunedAdd(pruned)
	return pruned, nil
}

func (r *Registry) load(ctx context.Context, id string) (*domain.Session, []byte, error) {
	raw, ok, err := r.kv.Get(ctx, sessionKey(id))
	if err != nil {
		r.metrics.StoreError("session")
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, raw, nil
}

// update applies mutate in a compare-and-set loop. mutate returns false to
// leave the record untouched; the loaded session is then returned as is.
func (r *Registry) update(ctx context.Context, id string, mutate func(*domain.Session) bool) (*domain.Session, error) {
	for range casAttempts {
		sess, raw, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !mutate(sess) {
			return sess, nil
		}

		ttl := sess.IdleTTL(r.cfg.IdleTTL, r.now())
		if ttl <= 0 {
			return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}
		ok, err := r.kv.CompareAndSet(ctx, sessionKey(id), raw, data, ttl)
		if err != nil {
			r.metrics.StoreError("session")
			return nil, fmt.Errorf("update session: %w", err)
		}
		if ok {
			r.index(ctx, sess)
			return sess, nil
		}
	}
	return nil, fmt.Errorf("%w: update session %s: %v", domain.ErrStoreUnavailable, id, errContention)
}

// index refreshes both index memberships. Indexes are advisory, so failures
// are logged and not returned.
func (r *Registry) index(ctx context.Context, sess *domain.Session) {
	expires := sess.LastActiveAt.Add(r.cfg.IdleTTL)
	if err := r.kv.IndexAdd(ctx, userIndex(sess.UserID), sess.ID, expires); err != nil {
		slog.Warn("failed to index user session", "session_id", sess.ID, "error", err)
	}
	if err := r.kv.IndexAdd(ctx, activeIndex, sess.ID, expires); err != nil {
		slog.Warn("failed to index active session", "session_id", sess.ID, "error", err)
	}
}

func (r *Registry) unindex(ctx context.Context, userID, id string) {
	if err := r.kv.IndexRemove(ctx, userIndex(userID), id); err != nil {
		slog.Warn("failed to unindex user session", "session_id", id, "error", err)
	}
	if err := r.kv.IndexRemove(ctx, activeIndex, id); err != nil {
		slog.Warn("failed to unindex active session", "session_id", id, "error", err)
	}
}
