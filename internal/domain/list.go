package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LibraryFile is a crawled or uploaded document. Files are the items of
// lists backed by a library source, and the subject of content processing
// tasks.
type LibraryFile struct {
	ID         uuid.UUID  `json:"id"`
	LibraryID  uuid.UUID  `json:"library_id"`
	Name       string     `json:"name"`
	MimeType   string     `json:"mime_type"`
	OriginURI  string     `json:"origin_uri,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FieldSourceType says where a list field's values come from.
type FieldSourceType string

// Known field source types. Only llm_computed fields are enrichable.
const (
	FieldSourceFileProperty FieldSourceType = "file_property"
	FieldSourceLLMComputed  FieldSourceType = "llm_computed"
)

// ListField defines one column of a list. For llm_computed fields the
// generation prompt, the context fields whose values must be resolved
// before generation, and the vector-store flag drive the enrichment
// worker.
type ListField struct {
	ID               uuid.UUID       `json:"id"`
	ListID           uuid.UUID       `json:"list_id"`
	Name             string          `json:"name"`
	SourceType       FieldSourceType `json:"source_type"`
	GenerationPrompt string          `json:"generation_prompt,omitempty"`
	UseVectorStore   bool            `json:"use_vector_store"`
	ContextFieldIDs  []uuid.UUID     `json:"context_field_ids,omitempty"`
}

// Enrichable reports whether enrichment tasks may be created for the field.
func (f *ListField) Enrichable() bool {
	return f.SourceType == FieldSourceLLMComputed
}

// ItemValue is one cached enrichment result, keyed by (file, field).
type ItemValue struct {
	FileID       uuid.UUID `json:"file_id"`
	FieldID      uuid.UUID `json:"field_id"`
	Value        *string   `json:"value,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// missingValueTerms are placeholder strings that count as "no value" when
// onlyMissingValues narrows enrichment task creation.
var missingValueTerms = map[string]struct{}{
	"":        {},
	"unknown": {},
	"n/a":     {},
	"na":      {},
	"none":    {},
	"null":    {},
}

// IsMissingValue reports whether a cached value should be treated as
// absent: nil, empty, or one of the known placeholder terms
// (case-insensitive).
func IsMissingValue(v *string) bool {
	if v == nil {
		return true
	}
	_, ok := missingValueTerms[strings.ToLower(strings.TrimSpace(*v))]
	return ok
}

// FilterOp is a predicate applied to a field value when resolving the
// target item set of bulk enrichment task creation.
type FilterOp string

// Supported filter operators.
const (
	FilterOpEquals    FilterOp = "equals"
	FilterOpNotEquals FilterOp = "not_equals"
	FilterOpContains  FilterOp = "contains"
	FilterOpEmpty     FilterOp = "empty"
	FilterOpNotEmpty  FilterOp = "not_empty"
)

// FieldFilter narrows a list's items by a predicate over one field's
// cached value.
type FieldFilter struct {
	FieldID uuid.UUID `json:"field_id"`
	Op      FilterOp  `json:"op"`
	Value   string    `json:"value,omitempty"`
}

// Validate checks the filter predicate is well formed.
func (f FieldFilter) Validate() error {
	if f.FieldID == uuid.Nil {
		return fmt.Errorf("%w: field ID cannot be empty", ErrInvalidFilter)
	}
	switch f.Op {
	case FilterOpEquals, FilterOpNotEquals, FilterOpContains:
		return nil
	case FilterOpEmpty, FilterOpNotEmpty:
		if f.Value != "" {
			return fmt.Errorf("%w: %q takes no value", ErrInvalidFilter, f.Op)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
	}
}

// Matches applies the predicate to a cached value. Comparison is
// case-insensitive, matching how the original value cache treats
// placeholder terms.
func (f FieldFilter) Matches(value *string) bool {
	switch f.Op {
	case FilterOpEmpty:
		return IsMissingValue(value)
	case FilterOpNotEmpty:
		return !IsMissingValue(value)
	}
	if value == nil {
		return f.Op == FilterOpNotEquals
	}
	have := strings.ToLower(strings.TrimSpace(*value))
	want := strings.ToLower(strings.TrimSpace(f.Value))
	switch f.Op {
	case FilterOpEquals:
		return have == want
	case FilterOpNotEquals:
		return have != want
	case FilterOpContains:
		return strings.Contains(have, want)
	default:
		return false
	}
}
