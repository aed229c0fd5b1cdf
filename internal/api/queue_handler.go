package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/api/shared"
	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/queue"
)

// QueueService is the scheduler surface the handlers call. Satisfied by
// *queue.Scheduler; narrowed to an interface so handler tests can script it.
type QueueService interface {
	GetQueueSystemStatus(ctx context.Context) (*domain.QueueSystemStatus, error)
	StartQueueWorker(ctx context.Context, queueType domain.QueueType) (queue.OperationResult, error)
	StopQueueWorker(ctx context.Context, queueType domain.QueueType) (queue.OperationResult, error)
	StartAllQueueWorkers(ctx context.Context) (queue.OperationResult, error)
	StopAllQueueWorkers(ctx context.Context) (queue.OperationResult, error)
	RetryFailedTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (queue.OperationResult, error)
	ClearFailedTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (queue.OperationResult, error)
	ClearPendingTasks(ctx context.Context, queueType domain.QueueType, scopeID *uuid.UUID) (queue.OperationResult, error)
	CancelProcessingTask(ctx context.Context, taskID, fileID uuid.UUID) (queue.OperationResult, error)
	CancelContentProcessingTasks(ctx context.Context, libraryID *uuid.UUID) (queue.OperationResult, error)
	CreateContentProcessingTask(ctx context.Context, fileID uuid.UUID) (*domain.ContentProcessingTask, error)
	CreateMissingContentExtractionTasks(ctx context.Context, libraryID uuid.UUID) (queue.OperationResult, error)
	CreateEnrichmentTasks(ctx context.Context, req queue.EnrichmentTaskSetRequest) (queue.EnrichmentTaskSetResult, error)
	DeletePendingEnrichmentTasks(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (queue.OperationResult, error)
	ClearListEnrichments(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (queue.OperationResult, error)
}

// QueueHandler serves the queue management surface.
type QueueHandler struct {
	service   QueueService
	validator *validator.Validate
}

// NewQueueHandler creates a QueueHandler.
func NewQueueHandler(service QueueService) *QueueHandler {
	return &QueueHandler{
		service:   service,
		validator: validator.New(),
	}
}

// Routes mounts the handler's routes on the given router.
func (h *QueueHandler) Routes(r chi.Router) {
	r.Route("/queues", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/start-all", h.StartAll)
		r.Post("/stop-all", h.StopAll)
		r.Route("/{queueType}", func(r chi.Router) {
			r.Post("/start", h.StartQueue)
			r.Post("/stop", h.StopQueue)
			r.Post("/retry-failed", h.RetryFailed)
			r.Post("/clear-failed", h.ClearFailed)
			r.Post("/clear-pending", h.ClearPending)
		})
	})
	r.Route("/tasks/content", func(r chi.Router) {
		r.Post("/", h.CreateContentTask)
		r.Post("/cancel", h.CancelTask)
		r.Post("/cancel-all", h.CancelAllTasks)
	})
	r.Post("/libraries/{libraryId}/backfill-extraction-tasks", h.BackfillLibrary)
	r.Route("/lists/{listId}", func(r chi.Router) {
		r.Post("/enrichment-tasks", h.CreateEnrichmentTasks)
		r.Delete("/enrichment-tasks", h.DeleteEnrichmentTasks)
		r.Delete("/enrichments", h.ClearEnrichments)
	})
}

// GetStatus handles GET /api/queues/status.
func (h *QueueHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetQueueSystemStatus(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read queue status")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// StartQueue handles POST /api/queues/{queueType}/start.
func (h *QueueHandler) StartQueue(w http.ResponseWriter, r *http.Request) {
	queueType, ok := h.pathQueueType(w, r)
	if !ok {
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return h.service.StartQueueWorker(ctx, queueType)
	})
}

// StopQueue handles POST /api/queues/{queueType}/stop.
func (h *QueueHandler) StopQueue(w http.ResponseWriter, r *http.Request) {
	queueType, ok := h.pathQueueType(w, r)
	if !ok {
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return h.service.StopQueueWorker(ctx, queueType)
	})
}

// StartAll handles POST /api/queues/start-all.
func (h *QueueHandler) StartAll(w http.ResponseWriter, r *http.Request) {
	h.respondOperation(w, r, h.service.StartAllQueueWorkers)
}

// StopAll handles POST /api/queues/stop-all.
func (h *QueueHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	h.respondOperation(w, r, h.service.StopAllQueueWorkers)
}

// RetryFailed handles POST /api/queues/{queueType}/retry-failed.
func (h *QueueHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.scopedBulkOperation(w, r, h.service.RetryFailedTasks)
}

// ClearFailed handles POST /api/queues/{queueType}/clear-failed.
func (h *QueueHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	h.scopedBulkOperation(w, r, h.service.ClearFailedTasks)
}

// ClearPending handles POST /api/queues/{queueType}/clear-pending.
func (h *QueueHandler) ClearPending(w http.ResponseWriter, r *http.Request) {
	h.scopedBulkOperation(w, r, h.service.ClearPendingTasks)
}

// CancelTask handles POST /api/tasks/content/cancel.
func (h *QueueHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	var req CancelTaskRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return h.service.CancelProcessingTask(ctx, req.TaskID, req.FileID)
	})
}

// CancelAllTasks handles POST /api/tasks/content/cancel-all.
func (h *QueueHandler) CancelAllTasks(w http.ResponseWriter, r *http.Request) {
	var req CancelAllTasksRequest
	if err := shared.DecodeJSONOptional(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return h.service.CancelContentProcessingTasks(ctx, req.LibraryID)
	})
}

// CreateContentTask handles POST /api/tasks/content.
func (h *QueueHandler) CreateContentTask(w http.ResponseWriter, r *http.Request) {
	var req CreateContentTaskRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	task, err := h.service.CreateContentProcessingTask(r.Context(), req.FileID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, task)
}

// BackfillLibrary handles POST /api/libraries/{libraryId}/backfill-extraction-tasks.
func (h *QueueHandler) BackfillLibrary(w http.ResponseWriter, r *http.Request) {
	libraryID, err := pathUUID(r, "libraryId")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return h.service.CreateMissingContentExtractionTasks(ctx, libraryID)
	})
}

// CreateEnrichmentTasks handles POST /api/lists/{listId}/enrichment-tasks.
func (h *QueueHandler) CreateEnrichmentTasks(w http.ResponseWriter, r *http.Request) {
	listID, err := pathUUID(r, "listId")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var req EnrichmentTaskSetRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	for _, filter := range req.Filters {
		if err := filter.Validate(); err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
	}

	result, err := h.service.CreateEnrichmentTasks(r.Context(), queue.EnrichmentTaskSetRequest{
		ListID:            listID,
		FieldID:           req.FieldID,
		ItemID:            req.ItemID,
		Filters:           req.Filters,
		OnlyMissingValues: req.OnlyMissingValues,
		Priority:          req.Priority,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// DeleteEnrichmentTasks handles DELETE /api/lists/{listId}/enrichment-tasks.
func (h *QueueHandler) DeleteEnrichmentTasks(w http.ResponseWriter, r *http.Request) {
	h.listScopedDelete(w, r, h.service.DeletePendingEnrichmentTasks)
}

// ClearEnrichments handles DELETE /api/lists/{listId}/enrichments.
func (h *QueueHandler) ClearEnrichments(w http.ResponseWriter, r *http.Request) {
	h.listScopedDelete(w, r, h.service.ClearListEnrichments)
}

// pathQueueType parses the {queueType} path parameter. Unknown queue types
// are rejected before any mutation runs.
func (h *QueueHandler) pathQueueType(w http.ResponseWriter, r *http.Request) (domain.QueueType, bool) {
	queueType, err := domain.ParseQueueType(chi.URLParam(r, "queueType"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return "", false
	}
	return queueType, true
}

// decodeAndValidate decodes the body into req and validates it, writing the
// error response on failure.
func (h *QueueHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := shared.DecodeJSON(r, req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return false
	}
	return true
}

// respondOperation runs one scheduler mutation and writes its result.
func (h *QueueHandler) respondOperation(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context) (queue.OperationResult, error),
) {
	result, err := op(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// scopedBulkOperation handles the retry/clear family: queue type from the
// path, optional library/list scope from the body.
func (h *QueueHandler) scopedBulkOperation(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, domain.QueueType, *uuid.UUID) (queue.OperationResult, error),
) {
	queueType, ok := h.pathQueueType(w, r)
	if !ok {
		return
	}

	var scope ScopeRequest
	if err := shared.DecodeJSONOptional(r, &scope); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if scope.LibraryID != nil && scope.ListID != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Scope may name a library or a list, not both")
		return
	}

	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return op(ctx, queueType, scope.scopeID())
	})
}

// listScopedDelete handles the two list-scoped DELETE routes: list ID from
// the path, optional field/item scope from the body.
func (h *QueueHandler) listScopedDelete(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID) (queue.OperationResult, error),
) {
	listID, err := pathUUID(r, "listId")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var scope EnrichmentScopeRequest
	if err := shared.DecodeJSONOptional(r, &scope); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	h.respondOperation(w, r, func(ctx context.Context) (queue.OperationResult, error) {
		return op(ctx, listID, scope.FieldID, scope.ItemID)
	})
}

// pathUUID extracts and parses a UUID path parameter.
func pathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", domain.ErrValidation, paramName)
	}
	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrInvalidID, paramName)
	}
	return id, nil
}
