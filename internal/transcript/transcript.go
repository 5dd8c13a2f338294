// Package transcript writes chat turns to NDJSON files, one file per user
// session, from a single background writer.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one line of a transcript file.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger queues events and appends them to disk. Events are dropped when
// the queue is full.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	global *os.File
}

// New starts the writer goroutine. A disabled config returns a Logger that
// discards everything.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{cfg: cfg, logger: logger, done: make(chan struct{})}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}
	l.events = make(chan Event, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *Logger) Log(ev Event) {
	if l.events == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "session_id", ev.SessionID, "event_type", ev.EventType)
	}
}

// UserMessage records the input of a submitted task.
func (l *Logger) UserMessage(t *domain.Task) {
	l.Log(Event{
		UserID:     t.UserID,
		SessionID:  t.SessionID,
		TaskID:     t.ID,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: t.Input,
		Meta:       map[string]any{"stream": t.Stream},
	})
}

// AssistantMessage records the answer of a succeeded task.
func (l *Logger) AssistantMessage(t *domain.Task) {
	if t.Result == nil {
		return
	}
	meta := map[string]any{"chat_id": t.ChatID}
	if len(t.Result.FollowUpQuestions) > 0 {
		meta["follow_up_questions"] = t.Result.FollowUpQuestions
	}
	if t.Result.ReasoningContent != "" {
		meta["reasoning_content"] = t.Result.ReasoningContent
	}
	l.Log(Event{
		UserID:     t.UserID,
		SessionID:  t.SessionID,
		TaskID:     t.ID,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: t.Result.Content,
		Meta:       meta,
	})
}

// Close drains the queue and closes open files.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed && l.events != nil {
		close(l.events)
	}
	l.closed = true
	l.mu.Unlock()
	<-l.done
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.events {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Error("Failed to encode transcript event", "error", err)
			continue
		}
		line = append(line, '\n')
		if err := l.appendSession(ev, line); err != nil {
			l.logger.Error("Failed to write transcript", "session_id", ev.SessionID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Error("Failed to write global transcript", "error", err)
			}
		}
	}
}

func (l *Logger) appendSession(ev Event, line []byte) error {
	dir := filepath.Join(l.cfg.Dir, pathSegment(ev.UserID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, pathSegment(ev.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func pathSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// cleanForReadability strips terminal escapes and control characters and
// collapses runs of blank lines.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
