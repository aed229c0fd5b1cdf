package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

// ListStore implements store.ListStore using PostgreSQL.
//
// Lists are library-backed views: a list's items are the non-archived files
// of its backing library, and the list ID doubles as that library's ID.
type ListStore struct {
	db store.DBTX
}

// NewListStore creates a new ListStore.
func NewListStore(db store.DBTX) *ListStore {
	return &ListStore{db: db}
}

// Ensure ListStore implements store.ListStore interface
var _ store.ListStore = (*ListStore)(nil)

// WithTx returns a store bound to the given transaction.
func (s *ListStore) WithTx(tx *sql.Tx) store.ListStore {
	return &ListStore{db: tx}
}

// GetField retrieves a field definition by its ID.
func (s *ListStore) GetField(ctx context.Context, fieldID uuid.UUID) (*domain.ListField, error) {
	query := `
		SELECT id, list_id, name, source_type, generation_prompt,
		       use_vector_store, context_field_ids
		FROM list_fields
		WHERE id = $1
	`
	var (
		field            domain.ListField
		generationPrompt sql.NullString
		contextFieldIDs  []byte
	)
	err := s.db.QueryRowContext(ctx, query, fieldID).Scan(
		&field.ID,
		&field.ListID,
		&field.Name,
		&field.SourceType,
		&generationPrompt,
		&field.UseVectorStore,
		&contextFieldIDs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrFieldNotFound
		}
		return nil, MapError(err)
	}
	field.GenerationPrompt = stringVal(generationPrompt)
	field.ContextFieldIDs, err = parseUUIDArray(contextFieldIDs)
	if err != nil {
		return nil, err
	}
	return &field, nil
}

// ResolveItems returns the list's items, narrowed by an optional single
// item and by filter predicates over cached field values. Filter
// predicates run in Go so their semantics (placeholder terms,
// case-insensitive comparison) stay in one place.
func (s *ListStore) ResolveItems(ctx context.Context, listID uuid.UUID, itemID *uuid.UUID, filters []domain.FieldFilter) ([]*domain.LibraryFile, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	query := `
		SELECT ` + libraryFileColumns + `
		FROM library_files
		WHERE library_id = $1
		  AND archived_at IS NULL
		  AND ($2::uuid IS NULL OR id = $2)
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, listID, itemID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var files []*domain.LibraryFile
	for rows.Next() {
		file, err := libraryFileFromRow(rows)
		if err != nil {
			return nil, MapError(err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	if len(filters) == 0 {
		return files, nil
	}

	filterFieldIDs := make([]uuid.UUID, 0, len(filters))
	for _, f := range filters {
		filterFieldIDs = append(filterFieldIDs, f.FieldID)
	}

	var matched []*domain.LibraryFile
	for _, file := range files {
		values, err := s.GetValues(ctx, file.ID, filterFieldIDs)
		if err != nil {
			return nil, err
		}
		keep := true
		for _, f := range filters {
			if !f.Matches(values[f.FieldID]) {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, file)
		}
	}
	return matched, nil
}

// GetValues returns the cached values of the given fields for one item.
// Fields without a cache entry are absent from the map.
func (s *ListStore) GetValues(ctx context.Context, itemID uuid.UUID, fieldIDs []uuid.UUID) (map[uuid.UUID]*string, error) {
	if len(fieldIDs) == 0 {
		return map[uuid.UUID]*string{}, nil
	}

	query := `
		SELECT field_id, value FROM list_item_values
		WHERE file_id = $1 AND field_id = ANY($2::uuid[])
	`
	rows, err := s.db.QueryContext(ctx, query, itemID, uuidArray(fieldIDs))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[uuid.UUID]*string)
	for rows.Next() {
		var (
			fieldID uuid.UUID
			value   sql.NullString
		)
		if err := rows.Scan(&fieldID, &value); err != nil {
			return nil, MapError(err)
		}
		if value.Valid {
			v := value.String
			values[fieldID] = &v
		} else {
			values[fieldID] = nil
		}
	}
	return values, MapError(rows.Err())
}

// GetValue returns one cached value, or nil if no entry exists.
func (s *ListStore) GetValue(ctx context.Context, itemID, fieldID uuid.UUID) (*domain.ItemValue, error) {
	query := `
		SELECT file_id, field_id, value, error_message, updated_at
		FROM list_item_values
		WHERE file_id = $1 AND field_id = $2
	`
	var (
		value        domain.ItemValue
		val          sql.NullString
		errorMessage sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, itemID, fieldID).Scan(
		&value.FileID,
		&value.FieldID,
		&val,
		&errorMessage,
		&value.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, MapError(err)
	}
	if val.Valid {
		v := val.String
		value.Value = &v
	}
	if errorMessage.Valid {
		m := errorMessage.String
		value.ErrorMessage = &m
	}
	value.UpdatedAt = value.UpdatedAt.UTC()
	return &value, nil
}

// UpsertValue records an enrichment result (or its error) for an item and
// field.
func (s *ListStore) UpsertValue(ctx context.Context, value *domain.ItemValue) error {
	query := `
		INSERT INTO list_item_values (file_id, field_id, value, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id, field_id)
		DO UPDATE SET value = EXCLUDED.value,
		              error_message = EXCLUDED.error_message,
		              updated_at = EXCLUDED.updated_at
	`
	updatedAt := value.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		value.FileID,
		value.FieldID,
		value.Value,
		value.ErrorMessage,
		updatedAt.UTC(),
	)
	return MapError(err)
}

// DeleteValues deletes cached values for a list, optionally narrowed to
// one field and/or one item.
func (s *ListStore) DeleteValues(ctx context.Context, listID uuid.UUID, fieldID, itemID *uuid.UUID) (int64, error) {
	query := `
		DELETE FROM list_item_values v
		USING list_fields f
		WHERE v.field_id = f.id
		  AND f.list_id = $1
		  AND ($2::uuid IS NULL OR v.field_id = $2)
		  AND ($3::uuid IS NULL OR v.file_id = $3)
	`
	result, err := s.db.ExecContext(ctx, query, listID, fieldID, itemID)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// DeleteOrphanValues deletes cached values of a field whose file has been
// archived or deleted.
func (s *ListStore) DeleteOrphanValues(ctx context.Context, listID, fieldID uuid.UUID) (int64, error) {
	query := `
		DELETE FROM list_item_values v
		WHERE v.field_id = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM library_files f
		    WHERE f.id = v.file_id
		      AND f.library_id = $2
		      AND f.archived_at IS NULL
		  )
	`
	result, err := s.db.ExecContext(ctx, query, fieldID, listID)
	if err != nil {
		return 0, MapError(err)
	}
	affected, err := result.RowsAffected()
	return affected, MapError(err)
}

// parseUUIDArray parses a PostgreSQL uuid[] literal ({a,b,c}).
func parseUUIDArray(raw []byte) ([]uuid.UUID, error) {
	s := string(raw)
	if len(s) < 2 || s == "{}" {
		return nil, nil
	}
	inner := s[1 : len(s)-1]
	var (
		ids   []uuid.UUID
		start int
	)
	for i := 0; i <= len(inner); i++ {
		if i == len(inner) || inner[i] == ',' {
			id, err := uuid.Parse(inner[start:i])
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			start = i + 1
		}
	}
	return ids, nil
}
