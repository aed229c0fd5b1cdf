package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PhaseStatus is the state of one phase (extraction or embedding) of a
// content processing task. Phases are sequential: embedding only starts
// after extraction has completed, and a failed extraction forces the
// embedding phase to skipped, never back to pending.
type PhaseStatus string

// Possible phase statuses.
const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// Common validation errors for content processing tasks.
var (
	ErrEmptyFileID    = errors.New("file ID cannot be empty")
	ErrEmptyLibraryID = errors.New("library ID cannot be empty")
)

// ExtractionSubTaskResult records the outcome of one extraction method
// attempted on a file. A task may try several methods; the engine reports
// each separately.
type ExtractionSubTaskResult struct {
	Method       string `json:"method"`
	Succeeded    bool   `json:"succeeded"`
	MarkdownFile string `json:"markdown_file,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ContentProcessingTask drives a file through extraction and embedding.
// Its identity for the at-most-one-active-task invariant is the file ID.
type ContentProcessingTask struct {
	TaskMeta
	FileID    uuid.UUID `json:"file_id"`
	LibraryID uuid.UUID `json:"library_id"`

	Extraction           PhaseStatus `json:"extraction_status"`
	ExtractionStartedAt  *time.Time  `json:"extraction_started_at,omitempty"`
	ExtractionFinishedAt *time.Time  `json:"extraction_finished_at,omitempty"`
	Embedding            PhaseStatus `json:"embedding_status"`
	EmbeddingStartedAt   *time.Time  `json:"embedding_started_at,omitempty"`
	EmbeddingFinishedAt  *time.Time  `json:"embedding_finished_at,omitempty"`

	SubTasks     []ExtractionSubTaskResult `json:"sub_tasks,omitempty"`
	MarkdownFile string                    `json:"markdown_file,omitempty"`
	ChunkCount   int                       `json:"chunk_count,omitempty"`
	ChunkSize    int64                     `json:"chunk_size,omitempty"`
}

// NewContentProcessingTask creates a pending content processing task for
// the given file. Content processing tasks have no explicit priority; they
// are dispatched in FIFO order.
func NewContentProcessingTask(fileID, libraryID uuid.UUID, timeout time.Duration) (*ContentProcessingTask, error) {
	if fileID == uuid.Nil {
		return nil, ErrEmptyFileID
	}
	if libraryID == uuid.Nil {
		return nil, ErrEmptyLibraryID
	}
	return &ContentProcessingTask{
		TaskMeta:   NewTaskMeta(0, timeout),
		FileID:     fileID,
		LibraryID:  libraryID,
		Extraction: PhaseStatusPending,
		Embedding:  PhaseStatusPending,
	}, nil
}

// QueueType returns the queue this task belongs to.
func (t *ContentProcessingTask) QueueType() QueueType {
	return QueueTypeContentProcessing
}

// StartExtraction marks the extraction phase as running. The overall task
// must already be processing.
func (t *ContentProcessingTask) StartExtraction(now time.Time) error {
	if t.State != TaskStateProcessing {
		return fmt.Errorf("%w: extraction requires a processing task", ErrInvalidTransition)
	}
	if t.Extraction != PhaseStatusPending {
		return fmt.Errorf("%w: extraction already %q", ErrInvalidTransition, t.Extraction)
	}
	t.Extraction = PhaseStatusRunning
	ts := now.UTC()
	t.ExtractionStartedAt = &ts
	return nil
}

// FinishExtraction marks the extraction phase as completed and records the
// produced markdown file and per-method results.
func (t *ContentProcessingTask) FinishExtraction(now time.Time, markdownFile string, subTasks []ExtractionSubTaskResult) error {
	if t.Extraction != PhaseStatusRunning {
		return fmt.Errorf("%w: extraction is %q, not running", ErrInvalidTransition, t.Extraction)
	}
	t.Extraction = PhaseStatusCompleted
	ts := now.UTC()
	t.ExtractionFinishedAt = &ts
	t.MarkdownFile = markdownFile
	t.SubTasks = subTasks
	return nil
}

// FailExtraction marks the extraction phase as failed, forces the embedding
// phase to skipped and transitions the whole task to failed.
func (t *ContentProcessingTask) FailExtraction(now time.Time, message string) error {
	if t.Extraction != PhaseStatusRunning {
		return fmt.Errorf("%w: extraction is %q, not running", ErrInvalidTransition, t.Extraction)
	}
	t.Extraction = PhaseStatusFailed
	ts := now.UTC()
	t.ExtractionFinishedAt = &ts
	t.Embedding = PhaseStatusSkipped
	return t.Fail(now, message)
}

// StartEmbedding marks the embedding phase as running. Embedding must not
// start until extraction has completed.
func (t *ContentProcessingTask) StartEmbedding(now time.Time) error {
	if t.Extraction != PhaseStatusCompleted {
		return fmt.Errorf("%w: embedding requires completed extraction, got %q", ErrInvalidTransition, t.Extraction)
	}
	if t.Embedding != PhaseStatusPending {
		return fmt.Errorf("%w: embedding already %q", ErrInvalidTransition, t.Embedding)
	}
	t.Embedding = PhaseStatusRunning
	ts := now.UTC()
	t.EmbeddingStartedAt = &ts
	return nil
}

// FinishEmbedding marks the embedding phase as completed, records the chunk
// metrics, and completes the whole task.
func (t *ContentProcessingTask) FinishEmbedding(now time.Time, chunkCount int, chunkSize int64) error {
	if t.Embedding != PhaseStatusRunning {
		return fmt.Errorf("%w: embedding is %q, not running", ErrInvalidTransition, t.Embedding)
	}
	t.Embedding = PhaseStatusCompleted
	ts := now.UTC()
	t.EmbeddingFinishedAt = &ts
	t.ChunkCount = chunkCount
	t.ChunkSize = chunkSize
	return t.Complete(now)
}

// FailEmbedding marks the embedding phase as failed and fails the task.
func (t *ContentProcessingTask) FailEmbedding(now time.Time, message string) error {
	if t.Embedding != PhaseStatusRunning {
		return fmt.Errorf("%w: embedding is %q, not running", ErrInvalidTransition, t.Embedding)
	}
	t.Embedding = PhaseStatusFailed
	ts := now.UTC()
	t.EmbeddingFinishedAt = &ts
	return t.Fail(now, message)
}

// AbortPhases forces any still-pending or running phase into a terminal
// phase status. Used when the task ends outside the normal phase flow
// (cancellation, timeout, worker crash).
func (t *ContentProcessingTask) AbortPhases(now time.Time) {
	ts := now.UTC()
	switch t.Extraction {
	case PhaseStatusRunning:
		t.Extraction = PhaseStatusFailed
		t.ExtractionFinishedAt = &ts
	case PhaseStatusPending:
		t.Extraction = PhaseStatusSkipped
	}
	switch t.Embedding {
	case PhaseStatusRunning:
		t.Embedding = PhaseStatusFailed
		t.EmbeddingFinishedAt = &ts
	case PhaseStatusPending:
		t.Embedding = PhaseStatusSkipped
	}
}

// Retry resets the task and both phases to pending and discards partial
// results. Partially embedded chunks cannot be assumed consistent, so the
// task restarts from the beginning.
func (t *ContentProcessingTask) Retry() error {
	if err := t.TaskMeta.Retry(); err != nil {
		return err
	}
	t.Extraction = PhaseStatusPending
	t.ExtractionStartedAt = nil
	t.ExtractionFinishedAt = nil
	t.Embedding = PhaseStatusPending
	t.EmbeddingStartedAt = nil
	t.EmbeddingFinishedAt = nil
	t.SubTasks = nil
	t.MarkdownFile = ""
	t.ChunkCount = 0
	t.ChunkSize = 0
	return nil
}

// Validate checks the task's invariants.
func (t *ContentProcessingTask) Validate() error {
	if t.FileID == uuid.Nil {
		return ErrEmptyFileID
	}
	if t.LibraryID == uuid.Nil {
		return ErrEmptyLibraryID
	}
	if t.Embedding == PhaseStatusRunning && t.Extraction != PhaseStatusCompleted {
		return fmt.Errorf("%w: embedding running without completed extraction", ErrValidation)
	}
	if t.Extraction == PhaseStatusFailed && t.Embedding == PhaseStatusPending {
		return fmt.Errorf("%w: embedding must be skipped after failed extraction", ErrValidation)
	}
	return t.TaskMeta.Validate()
}
