// Package envelope renders tasks, sessions and errors into the uniform
// response shape returned to callers.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ashureev/cozegate/internal/domain"
)

// Stable error codes.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUpstream         = "UPSTREAM_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
)

// Error kinds.
const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindStoreUnavailable = "store_unavailable"
	KindUpstream         = "upstream"
	KindTimeout          = "timeout"
	KindInternal         = "internal"
	KindUnauthorized     = "unauthorized"
)

// ErrUnauthorized marks a request rejected by the credential check.
var ErrUnauthorized = errors.New("unauthorized")

// Envelope is the response body for every operation.
type Envelope struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Data     `json:"data"`
	Error     *Error    `json:"error"`
}

// Error describes a failed operation or a task that ended without a result.
type Error struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Data carries whatever the operation produced. Empty fields are omitted.
type Data struct {
	SessionID string            `json:"session_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	State     domain.TaskState  `json:"state,omitempty"`
	Session   *domain.Session   `json:"session,omitempty"`
	Sessions  []*domain.Session `json:"sessions,omitempty"`
	Tasks     []TaskView        `json:"tasks,omitempty"`
	Result    *domain.Result    `json:"result,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Failure   *domain.Failure   `json:"failure,omitempty"`
	Count     *int              `json:"count,omitempty"`
	Report    map[string]any    `json:"report,omitempty"`
}

// TaskView is the listing form of a task.
type TaskView struct {
	TaskID    string           `json:"task_id"`
	ChatID    string           `json:"chat_id,omitempty"`
	State     domain.TaskState `json:"state"`
	Input     string           `json:"input_message"`
	Result    *domain.Result   `json:"result,omitempty"`
	Failure   *domain.Failure  `json:"failure,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Builder stamps envelopes with the current time.
type Builder struct {
	now func() time.Time
}

// NewBuilder returns a Builder using the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

func (b *Builder) ok(data *Data) Envelope {
	return Envelope{Success: true, Timestamp: b.now().UTC(), Data: data}
}

// Task renders a task. FAILED and TIMED_OUT tasks are unsuccessful but keep
// their data attached.
func (b *Builder) Task(t *domain.Task) Envelope {
	data := &Data{
		SessionID: t.SessionID,
		TaskID:    t.ID,
		ChatID:    t.ChatID,
		State:     t.State,
	}
	if t.Result != nil {
		data.Result, data.Payload = splitResult(t.Result)
	}

	env := b.ok(data)
	switch t.State {
	case domain.TaskFailed, domain.TaskTimedOut:
		data.Failure = t.Failure
		env.Success = false
		env.Error = taskError(t)
	}
	return env
}

// Tasks renders the task history of a session.
func (b *Builder) Tasks(sessionID string, tasks []*domain.Task) Envelope {
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			TaskID:    t.ID,
			ChatID:    t.ChatID,
			State:     t.State,
			Input:     t.Input,
			Failure:   t.Failure,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		}
		if t.Result != nil {
			v.Result, _ = splitResult(t.Result)
		}
		views = append(views, v)
	}
	n := len(views)
	return b.ok(&Data{SessionID: sessionID, Tasks: views, Count: &n})
}

// Session renders one session.
func (b *Builder) Session(s *domain.Session) Envelope {
	return b.ok(&Data{SessionID: s.ID, Session: s})
}

// Sessions renders a session listing.
func (b *Builder) Sessions(sessions []*domain.Session) Envelope {
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	n := len(sessions)
	return b.ok(&Data{Sessions: sessions, Count: &n})
}

// Report renders a free-form result such as stats or a cleanup summary.
func (b *Builder) Report(report map[string]any) Envelope {
	return b.ok(&Data{Report: report})
}

// Error renders a failed operation.
func (b *Builder) Error(err error) Envelope {
	kind, code := Kind(err)
	return Envelope{
		Success:   false,
		Timestamp: b.now().UTC(),
		Error:     &Error{Kind: kind, Code: code, Message: err.Error()},
	}
}

// Kind maps an error to its kind and stable code.
func Kind(err error) (kind, code string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return KindValidation, CodeValidation
	case errors.Is(err, domain.ErrNotFound):
		return KindNotFound, CodeNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return KindStoreUnavailable, CodeStoreUnavailable
	case errors.Is(err, domain.ErrUpstream):
		return KindUpstream, CodeUpstream
	case errors.Is(err, domain.ErrTimeout):
		return KindTimeout, CodeTimeout
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized, CodeUnauthorized
	}
	return KindInternal, CodeInternal
}

func taskError(t *domain.Task) *Error {
	e := &Error{Kind: KindUpstream, Code: CodeUpstream, Message: "task failed"}
	if t.State == domain.TaskTimedOut {
		e.Kind, e.Code, e.Message = KindTimeout, CodeTimeout, domain.ErrTimeout.Error()
	}
	if t.Failure != nil {
		if t.Failure.Code != "" {
			e.Code = t.Failure.Code
		}
		if t.Failure.Message != "" {
			e.Message = t.Failure.Message
		}
	}
	return e
}

// splitResult moves the raw provider messages out of the result so they are
// rendered once, as the payload.
func splitResult(r *domain.Result) (*domain.Result, json.RawMessage) {
	view := *r
	view.Raw = nil
	return &view, r.Raw
}
