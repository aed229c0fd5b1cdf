package api

import (
	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// ScopeRequest optionally narrows a bulk queue operation to one library
// (content processing) or one list (enrichment). The automation queue
// ignores scope.
type ScopeRequest struct {
	LibraryID *uuid.UUID `json:"library_id,omitempty"`
	ListID    *uuid.UUID `json:"list_id,omitempty"`
}

// scopeID returns whichever scope the request carries. A request naming
// both is rejected by the handler before this runs.
func (s ScopeRequest) scopeID() *uuid.UUID {
	if s.LibraryID != nil {
		return s.LibraryID
	}
	return s.ListID
}

// CancelTaskRequest targets one content processing task. FileID must match
// the task's file; it guards against cancelling a task through a stale ID.
type CancelTaskRequest struct {
	TaskID uuid.UUID `json:"task_id" validate:"required"`
	FileID uuid.UUID `json:"file_id" validate:"required"`
}

// CancelAllTasksRequest optionally narrows bulk cancellation to a library.
type CancelAllTasksRequest struct {
	LibraryID *uuid.UUID `json:"library_id,omitempty"`
}

// CreateContentTaskRequest enqueues content processing for one file.
type CreateContentTaskRequest struct {
	FileID uuid.UUID `json:"file_id" validate:"required"`
}

// EnrichmentTaskSetRequest describes one enrichment reconciliation run.
type EnrichmentTaskSetRequest struct {
	FieldID           uuid.UUID            `json:"field_id"           validate:"required"`
	ItemID            *uuid.UUID           `json:"item_id,omitempty"`
	Filters           []domain.FieldFilter `json:"filters,omitempty"`
	OnlyMissingValues bool                 `json:"only_missing_values,omitempty"`
	Priority          int                  `json:"priority,omitempty"`
}

// EnrichmentScopeRequest narrows enrichment-task or cached-value deletion
// to a field and/or item within a list.
type EnrichmentScopeRequest struct {
	FieldID *uuid.UUID `json:"field_id,omitempty"`
	ItemID  *uuid.UUID `json:"item_id,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status string `json:"status"`
}
