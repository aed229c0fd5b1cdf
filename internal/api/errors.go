package api

import (
	"errors"
	"net/http"

	"github.com/george-ai/taskqueue/internal/api/shared"
	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case store.IsConflictError(err):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidQueueType),
		errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for an error. Raw
// error strings never reach the client.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrFileNotFound):
		return "File not found"
	case errors.Is(err, store.ErrFieldNotFound):
		return "Field not found"
	case store.IsNotFoundError(err):
		return "Entity not found"

	case errors.Is(err, store.ErrActiveTaskExists):
		return "An active task already exists for this target"
	case store.IsConflictError(err):
		return "Entity already exists"

	case errors.Is(err, domain.ErrInvalidQueueType):
		return "Unknown queue type"
	case errors.Is(err, domain.ErrInvalidFilter):
		return "Invalid filter predicate"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return "Validation failed"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError maps err to a status code and safe message and writes the
// error response. A non-empty overrideMessage replaces the mapped message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, overrideMessage string) {
	status := MapErrorToStatusCode(err)
	message := overrideMessage
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
