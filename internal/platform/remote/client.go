// Package remote implements the queue capability interfaces over HTTP.
// Extraction, embedding and automation connectors run as companion
// services; this package is the orchestrator-side client for them.
// Transient call failures (5xx, network errors) are retried with
// exponential backoff; 4xx responses are permanent and surface
// immediately.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client carries the shared transport of the three engine clients.
type Client struct {
	httpClient *http.Client
	maxRetries uint64
	logger     *slog.Logger
}

// NewClient creates the shared engine transport. Call timeouts come from
// the request context (the worker applies the task timeout), so the
// underlying http.Client has none of its own.
func NewClient(maxRetries int, logger *slog.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		httpClient: &http.Client{},
		maxRetries: uint64(maxRetries),
		logger:     logger,
	}
}

// statusError is a non-2xx engine response. Only 5xx variants are
// retryable.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.status, e.body)
}

// postJSON sends payload to url and decodes the JSON response into out.
// Retries transient failures per the client's backoff policy.
func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode engine request: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Warn("failed to close engine response body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := &statusError{status: resp.StatusCode, body: string(snippet)}
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode engine response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)

	return backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		c.logger.Warn("engine call failed, retrying",
			"url", url,
			"error", err,
			"next_attempt_in", next)
	})
}
