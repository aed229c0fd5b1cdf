package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for automation tasks.
var (
	ErrEmptyAutomationID = errors.New("automation ID cannot be empty")
	ErrEmptyAction       = errors.New("automation action cannot be empty")
)

// AutomationTask executes one connector action for one list item. Its
// identity for the at-most-one-active-task invariant is the
// (automation, item) pair.
type AutomationTask struct {
	TaskMeta
	AutomationID uuid.UUID       `json:"automation_id"`
	ItemID       uuid.UUID       `json:"item_id"`
	Action       string          `json:"action"`
	Config       json.RawMessage `json:"config,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
}

// NewAutomationTask creates a pending automation task.
func NewAutomationTask(automationID, itemID uuid.UUID, action string, config json.RawMessage, priority int, timeout time.Duration) (*AutomationTask, error) {
	if automationID == uuid.Nil {
		return nil, ErrEmptyAutomationID
	}
	if itemID == uuid.Nil {
		return nil, ErrEmptyItemID
	}
	if action == "" {
		return nil, ErrEmptyAction
	}
	return &AutomationTask{
		TaskMeta:     NewTaskMeta(priority, timeout),
		AutomationID: automationID,
		ItemID:       itemID,
		Action:       action,
		Config:       config,
	}, nil
}

// QueueType returns the queue this task belongs to.
func (t *AutomationTask) QueueType() QueueType {
	return QueueTypeAutomation
}

// Retry resets the task to pending and discards any partial result.
func (t *AutomationTask) Retry() error {
	if err := t.TaskMeta.Retry(); err != nil {
		return err
	}
	t.Result = nil
	return nil
}

// Validate checks the task's invariants.
func (t *AutomationTask) Validate() error {
	if t.AutomationID == uuid.Nil {
		return ErrEmptyAutomationID
	}
	if t.ItemID == uuid.Nil {
		return ErrEmptyItemID
	}
	if t.Action == "" {
		return ErrEmptyAction
	}
	return t.TaskMeta.Validate()
}
