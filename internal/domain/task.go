package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState is the generalized lifecycle state shared by all task families.
type TaskState string

// Possible task states.
const (
	TaskStatePending    TaskState = "pending"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateTimedOut   TaskState = "timed_out"
	TaskStateCancelled  TaskState = "cancelled"
)

// Common validation errors for tasks.
var (
	ErrEmptyTaskID = errors.New("task ID cannot be empty")
)

// Terminal reports whether the state is one of the four terminal states.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the state is pending or processing, i.e. the task
// still counts against the at-most-one-active-task-per-identity invariant.
func (s TaskState) Active() bool {
	return s == TaskStatePending || s == TaskStateProcessing
}

// TaskMeta carries the lifecycle fields shared by every task family and
// implements the task state machine. The State field is the single source
// of truth for the current state; the timestamps are a log of transitions.
//
// Transitions:
//
//	pending    --Start-->    processing
//	processing --Complete--> completed
//	processing --Fail-->     failed
//	processing --Expire-->   timed_out
//	pending    --Cancel-->   cancelled
//	processing --Cancel-->   (flag only, cooperative)
//	failed     --Retry-->    pending
//	timed_out  --Retry-->    pending
type TaskMeta struct {
	ID           uuid.UUID     `json:"id"`
	State        TaskState     `json:"status"`
	Priority     int           `json:"priority"`
	Timeout      time.Duration `json:"timeout_ms,omitempty"`
	TimedOut     bool          `json:"timed_out"`
	Cancelled    bool          `json:"cancelled"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	FailedAt     *time.Time    `json:"failed_at,omitempty"`
}

// NewTaskMeta creates task metadata in the pending state.
func NewTaskMeta(priority int, timeout time.Duration) TaskMeta {
	return TaskMeta{
		ID:        uuid.New(),
		State:     TaskStatePending,
		Priority:  priority,
		Timeout:   timeout,
		CreatedAt: time.Now().UTC(),
	}
}

// Start transitions the task from pending to processing. A cancelled
// pending task must never start; callers should transition it to the
// cancelled terminal state instead.
func (m *TaskMeta) Start(now time.Time) error {
	if m.State != TaskStatePending {
		return fmt.Errorf("%w: cannot start task in state %q", ErrInvalidTransition, m.State)
	}
	if m.Cancelled {
		return fmt.Errorf("%w: cannot start cancelled task", ErrInvalidTransition)
	}
	if m.StartedAt != nil {
		return fmt.Errorf("%w: task already started", ErrInvalidTransition)
	}
	m.State = TaskStateProcessing
	t := now.UTC()
	m.StartedAt = &t
	return nil
}

// Complete transitions the task from processing to completed.
func (m *TaskMeta) Complete(now time.Time) error {
	if m.State != TaskStateProcessing {
		return fmt.Errorf("%w: cannot complete task in state %q", ErrInvalidTransition, m.State)
	}
	m.State = TaskStateCompleted
	t := now.UTC()
	m.FinishedAt = &t
	return nil
}

// Fail transitions the task from processing to failed, recording the
// captured error message.
func (m *TaskMeta) Fail(now time.Time, message string) error {
	if m.State != TaskStateProcessing {
		return fmt.Errorf("%w: cannot fail task in state %q", ErrInvalidTransition, m.State)
	}
	m.State = TaskStateFailed
	m.ErrorMessage = message
	t := now.UTC()
	m.FailedAt = &t
	return nil
}

// Expire transitions the task from processing to timed_out. This is the
// watchdog's transition; it is kept distinct from Fail so operators can
// tell slow providers apart from genuine errors.
func (m *TaskMeta) Expire(now time.Time) error {
	if m.State != TaskStateProcessing {
		return fmt.Errorf("%w: cannot expire task in state %q", ErrInvalidTransition, m.State)
	}
	m.State = TaskStateTimedOut
	m.TimedOut = true
	t := now.UTC()
	m.FailedAt = &t
	return nil
}

// Cancel requests cancellation. A pending task is cancelled immediately
// (it will never be dispatched); a processing task only has its flag set
// and is expected to observe it cooperatively. Cancelling a terminal task
// is an idempotent no-op. The return value reports whether the task
// reached the cancelled terminal state synchronously.
func (m *TaskMeta) Cancel(now time.Time) bool {
	switch m.State {
	case TaskStatePending:
		m.Cancelled = true
		m.State = TaskStateCancelled
		t := now.UTC()
		m.FinishedAt = &t
		return true
	case TaskStateProcessing:
		m.Cancelled = true
		return false
	default:
		return false
	}
}

// ObserveCancellation transitions a processing task whose worker noticed
// the cancellation flag into the cancelled terminal state. Partial output
// is discarded by the caller.
func (m *TaskMeta) ObserveCancellation(now time.Time) error {
	if m.State != TaskStateProcessing {
		return fmt.Errorf("%w: cannot cancel task in state %q", ErrInvalidTransition, m.State)
	}
	m.State = TaskStateCancelled
	t := now.UTC()
	m.FinishedAt = &t
	return nil
}

// Retry resets a failed or timed-out task to pending. Timestamps, flags
// and the error message are cleared so the task re-enters the queue as if
// freshly created; partial results are discarded by the concrete task
// types.
func (m *TaskMeta) Retry() error {
	if m.State != TaskStateFailed && m.State != TaskStateTimedOut {
		return fmt.Errorf("%w: state %q", ErrNotRetryable, m.State)
	}
	m.State = TaskStatePending
	m.TimedOut = false
	m.Cancelled = false
	m.ErrorMessage = ""
	m.StartedAt = nil
	m.FinishedAt = nil
	m.FailedAt = nil
	return nil
}

// Validate checks the invariants every persisted task must hold.
func (m *TaskMeta) Validate() error {
	if m.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if m.StartedAt != nil && m.StartedAt.Before(m.CreatedAt) {
		return fmt.Errorf("%w: started before created", ErrValidation)
	}
	if m.FinishedAt != nil && m.StartedAt != nil && m.FinishedAt.Before(*m.StartedAt) {
		return fmt.Errorf("%w: finished before started", ErrValidation)
	}
	if m.FailedAt != nil && m.StartedAt != nil && m.FailedAt.Before(*m.StartedAt) {
		return fmt.Errorf("%w: failed before started", ErrValidation)
	}
	if m.TimedOut && !m.State.Terminal() {
		return fmt.Errorf("%w: timed out task must be terminal", ErrValidation)
	}
	return nil
}

// Deadline returns the instant at which a processing task times out, or
// false if the task carries no timeout or has not started.
func (m *TaskMeta) Deadline() (time.Time, bool) {
	if m.Timeout <= 0 || m.StartedAt == nil {
		return time.Time{}, false
	}
	return m.StartedAt.Add(m.Timeout), true
}
