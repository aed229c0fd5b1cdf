package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// uuidNew keeps test table literals short.
func uuidNew() uuid.UUID { return uuid.New() }

// passthroughTransactor satisfies store.Transactor without a database.
type passthroughTransactor struct{}

func (passthroughTransactor) RunInTransaction(ctx context.Context, fn store.TxFn) error {
	return fn(ctx, nil)
}

// memContentStore is an in-memory store.ContentTaskStore mirroring the SQL
// implementation's compare-and-swap semantics.
type memContentStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.ContentProcessingTask
}

func newMemContentStore() *memContentStore {
	return &memContentStore{tasks: make(map[uuid.UUID]*domain.ContentProcessingTask)}
}

func (m *memContentStore) snapshot(t *domain.ContentProcessingTask) *domain.ContentProcessingTask {
	copy := *t
	return &copy
}

func (m *memContentStore) Create(_ context.Context, task *domain.ContentProcessingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.FileID == task.FileID && existing.State.Active() {
			return store.ErrActiveTaskExists
		}
	}
	m.tasks[task.ID] = m.snapshot(task)
	return nil
}

func (m *memContentStore) GetByID(_ context.Context, id uuid.UUID) (*domain.ContentProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return m.snapshot(task), nil
}

func (m *memContentStore) ClaimPending(_ context.Context, limit int) ([]*domain.ContentProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*domain.ContentProcessingTask
	for _, task := range m.tasks {
		if task.State == domain.TaskStatePending && !task.Cancelled {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*domain.ContentProcessingTask, 0, len(pending))
	for _, task := range pending {
		task.State = domain.TaskStateProcessing
		started := now
		task.StartedAt = &started
		claimed = append(claimed, m.snapshot(task))
	}
	return claimed, nil
}

func (m *memContentStore) SaveProgress(_ context.Context, task *domain.ContentProcessingTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok || stored.State != domain.TaskStateProcessing {
		return false, store.ErrTaskNotFound
	}
	stored.Extraction = task.Extraction
	stored.ExtractionStartedAt = task.ExtractionStartedAt
	stored.ExtractionFinishedAt = task.ExtractionFinishedAt
	stored.Embedding = task.Embedding
	stored.EmbeddingStartedAt = task.EmbeddingStartedAt
	stored.EmbeddingFinishedAt = task.EmbeddingFinishedAt
	stored.SubTasks = task.SubTasks
	stored.MarkdownFile = task.MarkdownFile
	stored.ChunkCount = task.ChunkCount
	stored.ChunkSize = task.ChunkSize
	return stored.Cancelled, nil
}

func (m *memContentStore) FinishProcessing(_ context.Context, task *domain.ContentProcessingTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok || stored.State != domain.TaskStateProcessing {
		return false, nil
	}
	m.tasks[task.ID] = m.snapshot(task)
	return true, nil
}

func (m *memContentStore) CancelPending(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[id]
	if !ok || stored.State != domain.TaskStatePending {
		return false, nil
	}
	stored.Cancel(time.Now())
	stored.Extraction = domain.PhaseStatusSkipped
	stored.Embedding = domain.PhaseStatusSkipped
	return true, nil
}

func (m *memContentStore) FlagCancellation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[id]
	if ok && stored.State == domain.TaskStateProcessing {
		stored.Cancelled = true
	}
	return nil
}

func (m *memContentStore) CancelActive(_ context.Context, libraryID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if libraryID != nil && task.LibraryID != *libraryID {
			continue
		}
		switch task.State {
		case domain.TaskStatePending:
			task.Cancel(time.Now())
			task.Extraction = domain.PhaseStatusSkipped
			task.Embedding = domain.PhaseStatusSkipped
			count++
		case domain.TaskStateProcessing:
			if !task.Cancelled {
				task.Cancelled = true
				count++
			}
		}
	}
	return count, nil
}

func (m *memContentStore) RetryTerminal(_ context.Context, libraryID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if libraryID != nil && task.LibraryID != *libraryID {
			continue
		}
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			if err := task.Retry(); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (m *memContentStore) DeleteFailed(_ context.Context, libraryID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if libraryID != nil && task.LibraryID != *libraryID {
			continue
		}
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memContentStore) DeletePending(_ context.Context, libraryID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if libraryID != nil && task.LibraryID != *libraryID {
			continue
		}
		if task.State == domain.TaskStatePending {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memContentStore) ExpireOverdue(_ context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State != domain.TaskStateProcessing || task.StartedAt == nil {
			continue
		}
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		if timeout <= 0 {
			continue
		}
		if task.StartedAt.Add(timeout).Before(now) {
			task.State = domain.TaskStateTimedOut
			task.TimedOut = true
			failedAt := now.UTC()
			task.FailedAt = &failedAt
			count++
		}
	}
	return count, nil
}

func (m *memContentStore) ResetOrphanedProcessing(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State == domain.TaskStateProcessing {
			task.State = domain.TaskStatePending
			task.StartedAt = nil
			task.Extraction = domain.PhaseStatusPending
			task.Embedding = domain.PhaseStatusPending
			count++
		}
	}
	return count, nil
}

func (m *memContentStore) Counts(_ context.Context) (store.QueueCountsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result store.QueueCountsResult
	for _, task := range m.tasks {
		switch task.State {
		case domain.TaskStatePending:
			result.Counts.Pending++
		case domain.TaskStateProcessing:
			result.Counts.Processing++
		case domain.TaskStateFailed, domain.TaskStateTimedOut:
			result.Counts.Failed++
		case domain.TaskStateCompleted, domain.TaskStateCancelled:
			result.Counts.Completed++
		}
		if task.State == domain.TaskStateCompleted && task.FinishedAt != nil {
			if result.LastProcessedAt == nil || task.FinishedAt.After(*result.LastProcessedAt) {
				result.LastProcessedAt = task.FinishedAt
			}
		}
	}
	return result, nil
}

func (m *memContentStore) WithTx(*sql.Tx) store.ContentTaskStore { return m }

// memEnrichmentStore is an in-memory store.EnrichmentTaskStore. When lists
// is set, ClaimPending applies the same dependency gate as the SQL claim
// query: tasks with unresolved context values are skipped.
type memEnrichmentStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.EnrichmentTask
	lists *memListStore
}

func newMemEnrichmentStore() *memEnrichmentStore {
	return &memEnrichmentStore{tasks: make(map[uuid.UUID]*domain.EnrichmentTask)}
}

func (m *memEnrichmentStore) snapshot(t *domain.EnrichmentTask) *domain.EnrichmentTask {
	copy := *t
	return &copy
}

func (m *memEnrichmentStore) hasActiveLocked(listID, itemID, fieldID uuid.UUID) bool {
	for _, task := range m.tasks {
		if task.ListID == listID && task.ItemID == itemID && task.FieldID == fieldID && task.State.Active() {
			return true
		}
	}
	return false
}

func (m *memEnrichmentStore) Create(_ context.Context, task *domain.EnrichmentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasActiveLocked(task.ListID, task.ItemID, task.FieldID) {
		return store.ErrActiveTaskExists
	}
	m.tasks[task.ID] = m.snapshot(task)
	return nil
}

func (m *memEnrichmentStore) CreateBatch(_ context.Context, tasks []*domain.EnrichmentTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created int64
	for _, task := range tasks {
		if m.hasActiveLocked(task.ListID, task.ItemID, task.FieldID) {
			continue
		}
		m.tasks[task.ID] = m.snapshot(task)
		created++
	}
	return created, nil
}

func (m *memEnrichmentStore) GetByID(_ context.Context, id uuid.UUID) (*domain.EnrichmentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return m.snapshot(task), nil
}

// gated reports whether the task's field has an unresolved context value.
// Tasks with a missing field are not gated; the executor fails them.
func (m *memEnrichmentStore) gated(task *domain.EnrichmentTask) bool {
	if m.lists == nil {
		return false
	}
	field, err := m.lists.GetField(context.Background(), task.FieldID)
	if err != nil {
		return false
	}
	if len(field.ContextFieldIDs) == 0 {
		return false
	}
	values, err := m.lists.GetValues(context.Background(), task.ItemID, field.ContextFieldIDs)
	if err != nil {
		return false
	}
	for _, contextFieldID := range field.ContextFieldIDs {
		value, ok := values[contextFieldID]
		if !ok || domain.IsMissingValue(value) {
			return true
		}
	}
	return false
}

func (m *memEnrichmentStore) ClaimPending(_ context.Context, limit int) ([]*domain.EnrichmentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*domain.EnrichmentTask
	for _, task := range m.tasks {
		if task.State == domain.TaskStatePending && !task.Cancelled && !m.gated(task) {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*domain.EnrichmentTask, 0, len(pending))
	for _, task := range pending {
		task.State = domain.TaskStateProcessing
		started := now
		task.StartedAt = &started
		claimed = append(claimed, m.snapshot(task))
	}
	return claimed, nil
}

func (m *memEnrichmentStore) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if ok && task.State == domain.TaskStateProcessing {
		task.State = domain.TaskStatePending
		task.StartedAt = nil
	}
	return nil
}

func (m *memEnrichmentStore) FinishProcessing(_ context.Context, task *domain.EnrichmentTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok || stored.State != domain.TaskStateProcessing {
		return false, nil
	}
	m.tasks[task.ID] = m.snapshot(task)
	return true, nil
}

func (m *memEnrichmentStore) ListPending(_ context.Context, listID, fieldID uuid.UUID) ([]*domain.EnrichmentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*domain.EnrichmentTask
	for _, task := range m.tasks {
		if task.ListID == listID && task.FieldID == fieldID && task.State == domain.TaskStatePending {
			pending = append(pending, m.snapshot(task))
		}
	}
	return pending, nil
}

func (m *memEnrichmentStore) ActiveItemIDs(_ context.Context, listID, fieldID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[uuid.UUID]bool)
	for _, task := range m.tasks {
		if task.ListID == listID && task.FieldID == fieldID && task.State.Active() {
			active[task.ItemID] = true
		}
	}
	return active, nil
}

func (m *memEnrichmentStore) DeletePendingByIDs(_ context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, id := range ids {
		if task, ok := m.tasks[id]; ok && task.State == domain.TaskStatePending {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memEnrichmentStore) DeletePending(_ context.Context, listID, fieldID, itemID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if task.State != domain.TaskStatePending {
			continue
		}
		if listID != nil && task.ListID != *listID {
			continue
		}
		if fieldID != nil && task.FieldID != *fieldID {
			continue
		}
		if itemID != nil && task.ItemID != *itemID {
			continue
		}
		delete(m.tasks, id)
		count++
	}
	return count, nil
}

func (m *memEnrichmentStore) DeleteNonActive(_ context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if task.ListID != listID || task.State == domain.TaskStateProcessing {
			continue
		}
		if fieldID != nil && task.FieldID != *fieldID {
			continue
		}
		if itemID != nil && task.ItemID != *itemID {
			continue
		}
		delete(m.tasks, id)
		count++
	}
	return count, nil
}

func (m *memEnrichmentStore) RetryTerminal(_ context.Context, listID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if listID != nil && task.ListID != *listID {
			continue
		}
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			if err := task.Retry(); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (m *memEnrichmentStore) DeleteFailed(_ context.Context, listID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if listID != nil && task.ListID != *listID {
			continue
		}
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memEnrichmentStore) ExpireOverdue(_ context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State != domain.TaskStateProcessing || task.StartedAt == nil {
			continue
		}
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		if timeout <= 0 {
			continue
		}
		if task.StartedAt.Add(timeout).Before(now) {
			task.State = domain.TaskStateTimedOut
			task.TimedOut = true
			failedAt := now.UTC()
			task.FailedAt = &failedAt
			count++
		}
	}
	return count, nil
}

func (m *memEnrichmentStore) ResetOrphanedProcessing(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State == domain.TaskStateProcessing {
			task.State = domain.TaskStatePending
			task.StartedAt = nil
			count++
		}
	}
	return count, nil
}

func (m *memEnrichmentStore) Counts(_ context.Context) (store.QueueCountsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result store.QueueCountsResult
	for _, task := range m.tasks {
		switch task.State {
		case domain.TaskStatePending:
			result.Counts.Pending++
		case domain.TaskStateProcessing:
			result.Counts.Processing++
		case domain.TaskStateFailed, domain.TaskStateTimedOut:
			result.Counts.Failed++
		case domain.TaskStateCompleted, domain.TaskStateCancelled:
			result.Counts.Completed++
		}
	}
	return result, nil
}

func (m *memEnrichmentStore) WithTx(*sql.Tx) store.EnrichmentTaskStore { return m }

// memAutomationStore is an in-memory store.AutomationTaskStore.
type memAutomationStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.AutomationTask
}

func newMemAutomationStore() *memAutomationStore {
	return &memAutomationStore{tasks: make(map[uuid.UUID]*domain.AutomationTask)}
}

func (m *memAutomationStore) snapshot(t *domain.AutomationTask) *domain.AutomationTask {
	copy := *t
	return &copy
}

func (m *memAutomationStore) Create(_ context.Context, task *domain.AutomationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.AutomationID == task.AutomationID && existing.ItemID == task.ItemID && existing.State.Active() {
			return store.ErrActiveTaskExists
		}
	}
	m.tasks[task.ID] = m.snapshot(task)
	return nil
}

func (m *memAutomationStore) GetByID(_ context.Context, id uuid.UUID) (*domain.AutomationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return m.snapshot(task), nil
}

func (m *memAutomationStore) ClaimPending(_ context.Context, limit int) ([]*domain.AutomationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*domain.AutomationTask
	for _, task := range m.tasks {
		if task.State == domain.TaskStatePending && !task.Cancelled {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	now := time.Now().UTC()
	claimed := make([]*domain.AutomationTask, 0, len(pending))
	for _, task := range pending {
		task.State = domain.TaskStateProcessing
		started := now
		task.StartedAt = &started
		claimed = append(claimed, m.snapshot(task))
	}
	return claimed, nil
}

func (m *memAutomationStore) FinishProcessing(_ context.Context, task *domain.AutomationTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok || stored.State != domain.TaskStateProcessing {
		return false, nil
	}
	m.tasks[task.ID] = m.snapshot(task)
	return true, nil
}

func (m *memAutomationStore) RetryTerminal(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			if err := task.Retry(); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (m *memAutomationStore) DeleteFailed(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if task.State == domain.TaskStateFailed || task.State == domain.TaskStateTimedOut {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memAutomationStore) DeletePending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, task := range m.tasks {
		if task.State == domain.TaskStatePending {
			delete(m.tasks, id)
			count++
		}
	}
	return count, nil
}

func (m *memAutomationStore) ExpireOverdue(_ context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State != domain.TaskStateProcessing || task.StartedAt == nil {
			continue
		}
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		if timeout <= 0 {
			continue
		}
		if task.StartedAt.Add(timeout).Before(now) {
			task.State = domain.TaskStateTimedOut
			task.TimedOut = true
			failedAt := now.UTC()
			task.FailedAt = &failedAt
			count++
		}
	}
	return count, nil
}

func (m *memAutomationStore) ResetOrphanedProcessing(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, task := range m.tasks {
		if task.State == domain.TaskStateProcessing {
			task.State = domain.TaskStatePending
			task.StartedAt = nil
			count++
		}
	}
	return count, nil
}

func (m *memAutomationStore) Counts(_ context.Context) (store.QueueCountsResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result store.QueueCountsResult
	for _, task := range m.tasks {
		switch task.State {
		case domain.TaskStatePending:
			result.Counts.Pending++
		case domain.TaskStateProcessing:
			result.Counts.Processing++
		case domain.TaskStateFailed, domain.TaskStateTimedOut:
			result.Counts.Failed++
		case domain.TaskStateCompleted, domain.TaskStateCancelled:
			result.Counts.Completed++
		}
	}
	return result, nil
}

// memFileStore is an in-memory store.FileStore. When wired to a content
// store it reports files without any content task, like the SQL NOT EXISTS
// query.
type memFileStore struct {
	mu      sync.Mutex
	files   map[uuid.UUID]*domain.LibraryFile
	content *memContentStore
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[uuid.UUID]*domain.LibraryFile)}
}

func (m *memFileStore) addFile(file *domain.LibraryFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file.ID] = file
}

func (m *memFileStore) hasContentTask(fileID uuid.UUID) bool {
	if m.content == nil {
		return false
	}
	m.content.mu.Lock()
	defer m.content.mu.Unlock()
	for _, task := range m.content.tasks {
		if task.FileID == fileID {
			return true
		}
	}
	return false
}

func (m *memFileStore) GetByID(_ context.Context, id uuid.UUID) (*domain.LibraryFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok || file.ArchivedAt != nil {
		return nil, store.ErrFileNotFound
	}
	copy := *file
	return &copy, nil
}

func (m *memFileStore) MissingExtractionTask(_ context.Context, libraryID uuid.UUID) ([]*domain.LibraryFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []*domain.LibraryFile
	for _, file := range m.files {
		if file.LibraryID != libraryID || file.ArchivedAt != nil || m.hasContentTask(file.ID) {
			continue
		}
		copy := *file
		missing = append(missing, &copy)
	}
	sort.Slice(missing, func(i, j int) bool {
		return missing[i].CreatedAt.Before(missing[j].CreatedAt)
	})
	return missing, nil
}

func (m *memFileStore) LibraryIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, file := range m.files {
		if file.ArchivedAt != nil || seen[file.LibraryID] {
			continue
		}
		seen[file.LibraryID] = true
		ids = append(ids, file.LibraryID)
	}
	return ids, nil
}

// memListStore is an in-memory store.ListStore.
type memListStore struct {
	mu     sync.Mutex
	fields map[uuid.UUID]*domain.ListField
	values map[uuid.UUID]map[uuid.UUID]*domain.ItemValue // item -> field -> value
	files  *memFileStore
}

func newMemListStore(files *memFileStore) *memListStore {
	return &memListStore{
		fields: make(map[uuid.UUID]*domain.ListField),
		values: make(map[uuid.UUID]map[uuid.UUID]*domain.ItemValue),
		files:  files,
	}
}

func (m *memListStore) addField(field *domain.ListField) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[field.ID] = field
}

func (m *memListStore) setValue(itemID, fieldID uuid.UUID, value *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[itemID] == nil {
		m.values[itemID] = make(map[uuid.UUID]*domain.ItemValue)
	}
	m.values[itemID][fieldID] = &domain.ItemValue{
		FileID:    itemID,
		FieldID:   fieldID,
		Value:     value,
		UpdatedAt: time.Now(),
	}
}

func (m *memListStore) GetField(_ context.Context, fieldID uuid.UUID) (*domain.ListField, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	field, ok := m.fields[fieldID]
	if !ok {
		return nil, store.ErrFieldNotFound
	}
	copy := *field
	return &copy, nil
}

func (m *memListStore) ResolveItems(ctx context.Context, listID uuid.UUID, itemID *uuid.UUID, filters []domain.FieldFilter) ([]*domain.LibraryFile, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	m.files.mu.Lock()
	var items []*domain.LibraryFile
	for _, file := range m.files.files {
		if file.LibraryID != listID || file.ArchivedAt != nil {
			continue
		}
		if itemID != nil && file.ID != *itemID {
			continue
		}
		copy := *file
		items = append(items, &copy)
	}
	m.files.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	if len(filters) == 0 {
		return items, nil
	}

	var matched []*domain.LibraryFile
	for _, item := range items {
		keep := true
		for _, f := range filters {
			var value *string
			if v, err := m.GetValue(ctx, item.ID, f.FieldID); err == nil && v != nil {
				value = v.Value
			}
			if !f.Matches(value) {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

func (m *memListStore) GetValues(_ context.Context, itemID uuid.UUID, fieldIDs []uuid.UUID) (map[uuid.UUID]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[uuid.UUID]*string)
	for _, fieldID := range fieldIDs {
		if value, ok := m.values[itemID][fieldID]; ok {
			result[fieldID] = value.Value
		}
	}
	return result, nil
}

func (m *memListStore) GetValue(_ context.Context, itemID, fieldID uuid.UUID) (*domain.ItemValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[itemID][fieldID]
	if !ok {
		return nil, nil
	}
	copy := *value
	return &copy, nil
}

func (m *memListStore) UpsertValue(_ context.Context, value *domain.ItemValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[value.FileID] == nil {
		m.values[value.FileID] = make(map[uuid.UUID]*domain.ItemValue)
	}
	copy := *value
	m.values[value.FileID][value.FieldID] = &copy
	return nil
}

func (m *memListStore) DeleteValues(_ context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for item, byField := range m.values {
		if itemID != nil && item != *itemID {
			continue
		}
		for field := range byField {
			def, ok := m.fields[field]
			if !ok || def.ListID != listID {
				continue
			}
			if fieldID != nil && field != *fieldID {
				continue
			}
			delete(byField, field)
			count++
		}
	}
	return count, nil
}

func (m *memListStore) DeleteOrphanValues(_ context.Context, listID, fieldID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for item, byField := range m.values {
		if _, ok := byField[fieldID]; !ok {
			continue
		}
		m.files.mu.Lock()
		file, exists := m.files.files[item]
		alive := exists && file.LibraryID == listID && file.ArchivedAt == nil
		m.files.mu.Unlock()
		if !alive {
			delete(byField, fieldID)
			count++
		}
	}
	return count, nil
}

func (m *memListStore) WithTx(*sql.Tx) store.ListStore { return m }

// Scripted capability fakes.

type fakeExtraction struct {
	mu     sync.Mutex
	result *ExtractionResult
	err    error
	calls  int
}

func (f *fakeExtraction) Extract(ctx context.Context, _ ExtractionRequest) (*ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &ExtractionResult{
		MarkdownFile: "extracted.md",
		SubTasks: []domain.ExtractionSubTaskResult{
			{Method: "markdown", Succeeded: true, MarkdownFile: "extracted.md"},
		},
	}, nil
}

type fakeEmbedding struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmbedding) Embed(ctx context.Context, _ EmbeddingRequest) (*EmbeddingResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &EmbeddingResult{ChunkCount: 12, ChunkSize: 4096}, nil
}

type fakeEnrichment struct {
	mu       sync.Mutex
	value    string
	issues   []string
	err      error
	requests []EnrichmentRequest
}

func (f *fakeEnrichment) Generate(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &EnrichmentResult{Value: f.value, Issues: f.issues}, nil
}

type fakeConnector struct {
	result json.RawMessage
	err    error
}

func (f *fakeConnector) Execute(ctx context.Context, _ ConnectorRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}
