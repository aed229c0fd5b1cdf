package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrInvalidConfig is returned when the engine is constructed with
	// incomplete or inconsistent settings.
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrEmptyPrompt is returned when a request carries no prompt text.
	ErrEmptyPrompt = errors.New("enrichment prompt cannot be empty")

	// ErrContentBlocked is returned when the model refuses the request on
	// safety grounds. Not retried.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned when the model's response cannot be
	// parsed into the expected schema. Not retried.
	ErrInvalidResponse = errors.New("invalid model response")

	// ErrTransientFailure is returned when the API kept failing after all
	// retry attempts.
	ErrTransientFailure = errors.New("transient generation failure")
)
