package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/george-ai/taskqueue/internal/config"
	"github.com/george-ai/taskqueue/internal/domain"
	"github.com/george-ai/taskqueue/internal/queue"
)

// Engines bundles the three remote capability clients constructed from one
// config block.
type Engines struct {
	Extraction queue.ExtractionEngine
	Embedding  queue.EmbeddingEngine
	Connector  queue.ConnectorExecutor
}

// NewEngines builds the engine clients for the configured companion
// services.
func NewEngines(cfg config.EnginesConfig, logger *slog.Logger) *Engines {
	client := NewClient(cfg.MaxRetries, logger)
	return &Engines{
		Extraction: &ExtractionClient{client: client, baseURL: strings.TrimRight(cfg.ExtractorURL, "/")},
		Embedding:  &EmbeddingClient{client: client, baseURL: strings.TrimRight(cfg.EmbedderURL, "/")},
		Connector:  &ConnectorClient{client: client, baseURL: strings.TrimRight(cfg.ConnectorURL, "/")},
	}
}

// ExtractionClient calls the extraction service.
type ExtractionClient struct {
	client  *Client
	baseURL string
}

type extractionResponse struct {
	MarkdownFile string                           `json:"markdown_file"`
	SubTasks     []domain.ExtractionSubTaskResult `json:"sub_tasks"`
}

// Extract asks the extraction service to convert one file to markdown.
func (c *ExtractionClient) Extract(ctx context.Context, req queue.ExtractionRequest) (*queue.ExtractionResult, error) {
	var resp extractionResponse
	err := c.client.postJSON(ctx, c.baseURL+"/extract", map[string]string{
		"file_id":    req.FileID.String(),
		"library_id": req.LibraryID.String(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("extraction failed for file %s: %w", req.FileID, err)
	}
	return &queue.ExtractionResult{
		MarkdownFile: resp.MarkdownFile,
		SubTasks:     resp.SubTasks,
	}, nil
}

// EmbeddingClient calls the embedding service.
type EmbeddingClient struct {
	client  *Client
	baseURL string
}

type embeddingResponse struct {
	ChunkCount int   `json:"chunk_count"`
	ChunkSize  int64 `json:"chunk_size"`
}

// Embed asks the embedding service to chunk and index one file's markdown.
func (c *EmbeddingClient) Embed(ctx context.Context, req queue.EmbeddingRequest) (*queue.EmbeddingResult, error) {
	var resp embeddingResponse
	err := c.client.postJSON(ctx, c.baseURL+"/embed", map[string]string{
		"file_id":       req.FileID.String(),
		"library_id":    req.LibraryID.String(),
		"markdown_file": req.MarkdownFile,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("embedding failed for file %s: %w", req.FileID, err)
	}
	return &queue.EmbeddingResult{
		ChunkCount: resp.ChunkCount,
		ChunkSize:  resp.ChunkSize,
	}, nil
}

// ConnectorClient calls the automation connector service.
type ConnectorClient struct {
	client  *Client
	baseURL string
}

type connectorResponse struct {
	Result json.RawMessage `json:"result"`
}

// Execute runs one automation action against the connector service.
func (c *ConnectorClient) Execute(ctx context.Context, req queue.ConnectorRequest) (json.RawMessage, error) {
	var resp connectorResponse
	err := c.client.postJSON(ctx, c.baseURL+"/execute", map[string]any{
		"action":  req.Action,
		"config":  req.Config,
		"item_id": req.ItemID.String(),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("connector action %q failed: %w", req.Action, err)
	}
	return resp.Result, nil
}
