package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for enrichment tasks.
var (
	ErrEmptyListID  = errors.New("list ID cannot be empty")
	ErrEmptyFieldID = errors.New("field ID cannot be empty")
	ErrEmptyItemID  = errors.New("item ID cannot be empty")
)

// EnrichmentTask computes one LLM-derived field value for one list item.
// Its identity for the at-most-one-active-task invariant is the
// (list, item, field) triple.
type EnrichmentTask struct {
	TaskMeta
	ListID  uuid.UUID `json:"list_id"`
	FieldID uuid.UUID `json:"field_id"`
	ItemID  uuid.UUID `json:"item_id"`

	EnrichedValue *string  `json:"enriched_value,omitempty"`
	Issues        []string `json:"issues,omitempty"`
}

// NewEnrichmentTask creates a pending enrichment task for the given
// (list, item, field) triple.
func NewEnrichmentTask(listID, fieldID, itemID uuid.UUID, priority int, timeout time.Duration) (*EnrichmentTask, error) {
	if listID == uuid.Nil {
		return nil, ErrEmptyListID
	}
	if fieldID == uuid.Nil {
		return nil, ErrEmptyFieldID
	}
	if itemID == uuid.Nil {
		return nil, ErrEmptyItemID
	}
	return &EnrichmentTask{
		TaskMeta: NewTaskMeta(priority, timeout),
		ListID:   listID,
		FieldID:  fieldID,
		ItemID:   itemID,
	}, nil
}

// QueueType returns the queue this task belongs to.
func (t *EnrichmentTask) QueueType() QueueType {
	return QueueTypeEnrichment
}

// Retry resets the task to pending and discards any partial result.
func (t *EnrichmentTask) Retry() error {
	if err := t.TaskMeta.Retry(); err != nil {
		return err
	}
	t.EnrichedValue = nil
	t.Issues = nil
	return nil
}

// Validate checks the task's invariants.
func (t *EnrichmentTask) Validate() error {
	if t.ListID == uuid.Nil {
		return ErrEmptyListID
	}
	if t.FieldID == uuid.Nil {
		return ErrEmptyFieldID
	}
	if t.ItemID == uuid.Nil {
		return ErrEmptyItemID
	}
	return t.TaskMeta.Validate()
}
