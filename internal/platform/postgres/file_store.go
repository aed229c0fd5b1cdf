package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/store"
)

const libraryFileColumns = `
	id, library_id, name, mime_type, origin_uri, archived_at, created_at`

// FileStore implements store.FileStore using PostgreSQL.
type FileStore struct {
	db store.DBTX
}

// NewFileStore creates a new FileStore.
func NewFileStore(db store.DBTX) *FileStore {
	return &FileStore{db: db}
}

// Ensure FileStore implements store.FileStore interface
var _ store.FileStore = (*FileStore)(nil)

// GetByID retrieves a file by its ID. Archived files are treated as absent:
// no new task may be created for them.
func (s *FileStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.LibraryFile, error) {
	query := `
		SELECT ` + libraryFileColumns + `
		FROM library_files
		WHERE id = $1 AND archived_at IS NULL
	`
	file, err := libraryFileFromRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrFileNotFound
		}
		return nil, MapError(err)
	}
	return file, nil
}

// MissingExtractionTask returns the non-archived files of a library with no
// content processing task at all, in creation order.
func (s *FileStore) MissingExtractionTask(ctx context.Context, libraryID uuid.UUID) ([]*domain.LibraryFile, error) {
	query := `
		SELECT ` + libraryFileColumns + `
		FROM library_files f
		WHERE f.library_id = $1
		  AND f.archived_at IS NULL
		  AND NOT EXISTS (
		    SELECT 1 FROM content_processing_tasks t WHERE t.file_id = f.id
		  )
		ORDER BY f.created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, libraryID)
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
	return files, MapError(rows.Err())
}

// LibraryIDs returns the IDs of all libraries with at least one
// non-archived file.
func (s *FileStore) LibraryIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT library_id FROM library_files
		WHERE archived_at IS NULL
		ORDER BY library_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	return ids, MapError(rows.Err())
}

// libraryFileFromRow scans one file row in libraryFileColumns order.
func libraryFileFromRow(row rowScanner) (*domain.LibraryFile, error) {
	var (
		file       domain.LibraryFile
		originURI  sql.NullString
		archivedAt sql.NullTime
	)
	err := row.Scan(
		&file.ID,
		&file.LibraryID,
		&file.Name,
		&file.MimeType,
		&originURI,
		&archivedAt,
		&file.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	file.OriginURI = stringVal(originURI)
	file.ArchivedAt = timePtr(archivedAt)
	file.CreatedAt = file.CreatedAt.UTC()
	return &file, nil
}
