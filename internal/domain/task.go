package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the state of one chat turn.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskTimedOut  TaskState = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions can occur.
func (s TaskState) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

// Valid reports whether s is one of the known states.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed, TaskTimedOut:
		return true
	}
	return false
}

// Result is the provider answer attached to a succeeded task.
type Result struct {
	Content           string          `json:"content"`
	ReasoningContent  string          `json:"reasoning_content,omitempty"`
	FollowUpQuestions []string        `json:"follow_up_questions,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Failure describes why a task ended in FAILED or TIMED_OUT.
type Failure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Task is one request/response turn within a session.
type Task struct {
	ID             string    `json:"task_id"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ChatID         string    `json:"chat_id,omitempty"`
	State          TaskState `json:"state"`
	Input          string    `json:"input_message"`
	Stream         bool      `json:"stream"`
	Result         *Result   `json:"result_payload,omitempty"`
	Failure        *Failure  `json:"error_detail,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deadline       time.Time `json:"deadline"`
}

// NewTask returns a PENDING task whose deadline is createdAt plus turn.
func NewTask(id, sessionID, input string, stream bool, now time.Time, turn time.Duration) *Task {
	return &Task{
		ID:        id,
		SessionID: sessionID,
		State:     TaskPending,
		Input:     input,
		Stream:    stream,
		CreatedAt: now,
		UpdatedAt: now,
		Deadline:  now.Add(turn),
	}
}

// Expired reports whether the deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !now.Before(t.Deadline)
}

// Run moves a PENDING task to RUNNING once the provider accepted it.
func (t *Task) Run(conversationID, chatID string, now time.Time) error {
	if t.State != TaskPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, TaskRunning)
	}
	if chatID == "" {
		return fmt.Errorf("%w: running task requires a chat id", ErrInvalidTransition)
	}
	t.State = TaskRunning
	t.ConversationID = conversationID
	t.ChatID = chatID
	t.UpdatedAt = now
	return nil
}

// Succeed moves a RUNNING task to SUCCEEDED with its result.
func (t *Task) Succeed(result *Result, now time.Time) error {
	if t.State != TaskRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, TaskSucceeded)
	}
	if result == nil {
		return fmt.Errorf("%w: succeeded task requires a result", ErrInvalidTransition)
	}
	t.State = TaskSucceeded
	t.Result = result
	t.UpdatedAt = now
	return nil
}

// Fail moves a PENDING or RUNNING task to FAILED.
func (t *Task) Fail(failure Failure, now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, TaskFailed)
	}
	t.State = TaskFailed
	t.Failure = &failure
	t.UpdatedAt = now
	return nil
}

// TimeOut moves a non-terminal task to TIMED_OUT.
func (t *Task) TimeOut(now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, TaskTimedOut)
	}
	t.State = TaskTimedOut
	t.Failure = &Failure{Code: "TIMEOUT", Message: fmt.Sprintf("no terminal answer before %s", t.Deadline.UTC().Format(time.RFC3339))}
	t.UpdatedAt = now
	return nil
}

// Validate rejects records that the state machine can never produce.
func (t *Task) Validate() error {
	if t.ID == "" || t.SessionID == "" {
		return fmt.Errorf("task record missing identifiers")
	}
	if !t.State.Valid() {
		return fmt.Errorf("task %s has unknown state %q", t.ID, t.State)
	}
	switch t.State {
	case TaskRunning:
		if t.ChatID == "" {
			return fmt.Errorf("task %s is RUNNING without a chat id", t.ID)
		}
	case TaskSucceeded:
		if t.Result == nil {
			return fmt.Errorf("task %s is SUCCEEDED without a result", t.ID)
		}
	case TaskFailed, TaskTimedOut:
		if t.Failure == nil {
			return fmt.Errorf("task %s is %s without error detail", t.ID, t.State)
		}
	}
	if t.State != TaskSucceeded && t.Result != nil {
		return fmt.Errorf("task %s carries a result in state %s", t.ID, t.State)
	}
	return nil
}
