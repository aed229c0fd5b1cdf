package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/george-ai/taskqueue/internal/domain"
)

// ExtractionRequest asks an extraction engine to turn one library file
// into markdown.
type ExtractionRequest struct {
	FileID    uuid.UUID
	LibraryID uuid.UUID
}

// ExtractionResult is the outcome of a successful extraction: the produced
// markdown file and the per-method sub-results that led to it.
type ExtractionResult struct {
	MarkdownFile string
	SubTasks     []domain.ExtractionSubTaskResult
}

// ExtractionEngine converts file content to markdown. Implementations must
// observe ctx: cancellation and the task timeout arrive through it.
type ExtractionEngine interface {
	Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error)
}

// EmbeddingRequest asks an embedding engine to chunk and index the
// extracted markdown of one file.
type EmbeddingRequest struct {
	FileID       uuid.UUID
	LibraryID    uuid.UUID
	MarkdownFile string
}

// EmbeddingResult reports how much was indexed.
type EmbeddingResult struct {
	ChunkCount int
	ChunkSize  int64
}

// EmbeddingEngine chunks extracted markdown and writes it to the vector
// store.
type EmbeddingEngine interface {
	Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResult, error)
}

// EnrichmentRequest carries everything the generation call needs: the
// field's prompt, the item under enrichment, the resolved context field
// values, and whether similar chunks should be fetched from the vector
// store.
type EnrichmentRequest struct {
	Prompt         string
	FieldName      string
	Item           *domain.LibraryFile
	ContextValues  map[string]string
	UseVectorStore bool
}

// EnrichmentResult is one generated field value plus any quality issues
// the model flagged.
type EnrichmentResult struct {
	Value  string
	Issues []string
}

// EnrichmentEngine generates one field value for one item.
type EnrichmentEngine interface {
	Generate(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error)
}

// ConnectorRequest asks a connector to perform one automation action for
// one item.
type ConnectorRequest struct {
	Action string
	Config json.RawMessage
	ItemID uuid.UUID
}

// ConnectorExecutor performs automation actions against external systems.
type ConnectorExecutor interface {
	Execute(ctx context.Context, req ConnectorRequest) (json.RawMessage, error)
}
