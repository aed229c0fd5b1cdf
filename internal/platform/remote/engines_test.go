package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/george-ai/taskqueue/internal/config"
	"github.com/george-ai/taskqueue/internal/queue"
)

func newEngines(t *testing.T, serverURL string, maxRetries int) *Engines {
	t.Helper()
	return NewEngines(config.EnginesConfig{
		ExtractorURL: serverURL,
		EmbedderURL:  serverURL,
		ConnectorURL: serverURL,
		MaxRetries:   maxRetries,
	}, slog.Default())
}

func TestExtractionClient(t *testing.T) {
	fileID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, fileID.String(), payload["file_id"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"markdown_file": "out/doc.md",
			"sub_tasks": [{"method": "pdf_text", "succeeded": true, "markdown_file": "out/doc.md"}]
		}`))
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 0)
	result, err := engines.Extraction.Extract(context.Background(), queue.ExtractionRequest{
		FileID:    fileID,
		LibraryID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, "out/doc.md", result.MarkdownFile)
	require.Len(t, result.SubTasks, 1)
	assert.Equal(t, "pdf_text", result.SubTasks[0].Method)
	assert.True(t, result.SubTasks[0].Succeeded)
}

func TestEmbeddingClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		_, _ = w.Write([]byte(`{"chunk_count": 12, "chunk_size": 4096}`))
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 0)
	result, err := engines.Embedding.Embed(context.Background(), queue.EmbeddingRequest{
		FileID:       uuid.New(),
		LibraryID:    uuid.New(),
		MarkdownFile: "out/doc.md",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, result.ChunkCount)
	assert.Equal(t, int64(4096), result.ChunkSize)
}

func TestConnectorClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "webhook", payload["action"])

		_, _ = w.Write([]byte(`{"result": {"delivered": true}}`))
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 0)
	result, err := engines.Connector.Execute(context.Background(), queue.ConnectorRequest{
		Action: "webhook",
		Config: json.RawMessage(`{"url": "https://example.invalid/hook"}`),
		ItemID: uuid.New(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered": true}`, string(result))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"chunk_count": 1, "chunk_size": 10}`))
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 4)
	_, err := engines.Embedding.Embed(context.Background(), queue.EmbeddingRequest{
		FileID:    uuid.New(),
		LibraryID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown action", http.StatusBadRequest)
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 5)
	_, err := engines.Connector.Execute(context.Background(), queue.ConnectorRequest{
		Action: "bogus",
		ItemID: uuid.New(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	engines := newEngines(t, server.URL, 10)
	_, err := engines.Extraction.Extract(ctx, queue.ExtractionRequest{
		FileID:    uuid.New(),
		LibraryID: uuid.New(),
	})
	require.Error(t, err)
}
