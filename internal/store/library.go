package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// FileStore reads library files for task producers and reconciliation.
type FileStore interface {
	// GetByID retrieves a file. Returns ErrFileNotFound if absent or archived.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.LibraryFile, error)

	// MissingExtractionTask returns the non-archived files of a library
	// that have no content processing task at all, in creation order.
	// Feeding these back into the queue is the backfill operation.
	MissingExtractionTask(ctx context.Context, libraryID uuid.UUID) ([]*domain.LibraryFile, error)

	// LibraryIDs returns the IDs of all libraries that contain at least
	// one non-archived file. Used by the scheduled backfill sweep.
	LibraryIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ListStore reads list fields and reads/writes the enrichment value cache.
type ListStore interface {
	// GetField retrieves a field definition. Returns ErrFieldNotFound if absent.
	GetField(ctx context.Context, fieldID uuid.UUID) (*domain.ListField, error)

	// ResolveItems returns the non-archived files that are items of the
	// list, narrowed by an optional single item ID and by filter
	// predicates over cached field values.
	ResolveItems(ctx context.Context, listID uuid.UUID, itemID *uuid.UUID, filters []domain.FieldFilter) ([]*domain.LibraryFile, error)

	// GetValues returns the cached values of the given fields for one
	// item. Fields without a cache entry are absent from the map.
	GetValues(ctx context.Context, itemID uuid.UUID, fieldIDs []uuid.UUID) (map[uuid.UUID]*string, error)

	// GetValue returns one cached value, or nil if no entry exists.
	GetValue(ctx context.Context, itemID, fieldID uuid.UUID) (*domain.ItemValue, error)

	// UpsertValue records an enrichment result (or its error) for an item
	// and field.
	UpsertValue(ctx context.Context, value *domain.ItemValue) error

	// DeleteValues deletes cached values for a list, optionally narrowed
	// to one field and/or one item. Returns the number deleted.
	DeleteValues(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error)

	// DeleteOrphanValues deletes cached values of a field whose file has
	// been archived or deleted. A reconciliation side effect of bulk task
	// creation.
	DeleteOrphanValues(ctx context.Context, listID, fieldID uuid.UUID) (int64, error)

	// WithTx returns a store bound to the given transaction.
	WithTx(tx *sql.Tx) ListStore
}
