package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"text/template"
	"time"

	"google.golang.org/genai"

	"github.com/george-ai/taskqueue/internal/config"
	"github.com/george-ai/taskqueue/internal/queue"
)

// promptTemplate frames the field prompt with the item's metadata and the
// resolved context values, and pins the response to the JSON schema the
// parser expects.
const promptTemplate = `You compute the value of the field "{{.FieldName}}" for one document.

Document: {{.ItemName}} ({{.MimeType}})
{{- if .Context}}

Known field values:
{{- range .Context}}
- {{.Name}}: {{.Value}}
{{- end}}
{{- end}}

Task:
{{.Prompt}}

Respond with a single JSON object of the form
{"value": "<the field value>", "issues": ["<optional quality concerns>"]}
and nothing else.`

// promptData is the input to promptTemplate.
type promptData struct {
	FieldName string
	ItemName  string
	MimeType  string
	Prompt    string
	Context   []contextEntry
}

type contextEntry struct {
	Name  string
	Value string
}

// responseSchema is the JSON object the model is instructed to return.
type responseSchema struct {
	Value  string   `json:"value"`
	Issues []string `json:"issues,omitempty"`
}

// generateFunc performs one model call and returns the raw response text.
// Split out so tests can run the engine without a live client.
type generateFunc func(ctx context.Context, prompt string) (string, error)

// Enricher implements queue.EnrichmentEngine on the Gemini API.
type Enricher struct {
	logger   *slog.Logger
	config   config.LLMConfig
	client   *genai.Client
	model    string
	template *template.Template
	call     generateFunc
	after    func(time.Duration) <-chan time.Time
}

var _ queue.EnrichmentEngine = (*Enricher)(nil)

// NewEnricher creates an enrichment engine backed by a live Gemini client.
func NewEnricher(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Enricher, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	e := &Enricher{
		logger:   logger,
		config:   cfg,
		client:   client,
		model:    cfg.ModelName,
		template: template.Must(template.New("enrichment").Parse(promptTemplate)),
		after:    time.After,
	}
	e.call = e.callModel
	return e, nil
}

// Generate builds the prompt, calls the model with retry and parses the
// structured response into a field value.
func (e *Enricher) Generate(ctx context.Context, req queue.EnrichmentRequest) (*queue.EnrichmentResult, error) {
	prompt, err := e.buildPrompt(req)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "generated enrichment prompt",
		"field", req.FieldName,
		"prompt_length", len(prompt))

	text, err := e.callWithRetry(ctx, prompt)
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse(text)
	if err != nil {
		return nil, err
	}
	return &queue.EnrichmentResult{Value: parsed.Value, Issues: parsed.Issues}, nil
}

// buildPrompt renders the prompt template for one request. Context values
// are emitted in field-name order so identical requests produce identical
// prompts.
func (e *Enricher) buildPrompt(req queue.EnrichmentRequest) (string, error) {
	if req.Prompt == "" {
		return "", ErrEmptyPrompt
	}
	if req.Item == nil {
		return "", fmt.Errorf("%w: request carries no item", ErrInvalidConfig)
	}

	names := make([]string, 0, len(req.ContextValues))
	for name := range req.ContextValues {
		names = append(names, name)
	}
	sort.Strings(names)

	data := promptData{
		FieldName: req.FieldName,
		ItemName:  req.Item.Name,
		MimeType:  req.Item.MimeType,
		Prompt:    req.Prompt,
	}
	for _, name := range names {
		data.Context = append(data.Context, contextEntry{Name: name, Value: req.ContextValues[name]})
	}

	var buf bytes.Buffer
	if err := e.template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// callWithRetry calls the model up to MaxRetries+1 times, backing off
// exponentially with jitter between attempts. Safety blocks and malformed
// responses are permanent and returned immediately.
func (e *Enricher) callWithRetry(ctx context.Context, prompt string) (string, error) {
	maxRetries := e.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelaySeconds := e.config.RetryDelaySeconds
	if baseDelaySeconds < 1 {
		baseDelaySeconds = 2
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		text, err := e.call(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrContentBlocked) || errors.Is(err, ErrInvalidResponse) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		e.logger.WarnContext(ctx, "Gemini API call failed",
			"attempt", attempt+1,
			"max_attempts", maxRetries+1,
			"error", err)

		if attempt == maxRetries {
			break
		}

		// delay = baseDelay * 2^attempt * jitter in [0.5, 1.0)
		backoff := float64(baseDelaySeconds) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoff * (0.5 + rng.Float64()*0.5) * float64(time.Second))
		select {
		case <-e.after(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: exhausted %d attempts: %v", ErrTransientFailure, maxRetries+1, lastErr)
}

// callModel performs one live API call.
func (e *Enricher) callModel(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}
	return resp.Text(), nil
}

// parseResponse decodes the model's JSON into responseSchema. A bare
// string response is tolerated and treated as the value.
func parseResponse(text string) (*responseSchema, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty response text", ErrInvalidResponse)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		var bare string
		if err2 := json.Unmarshal([]byte(text), &bare); err2 == nil {
			return &responseSchema{Value: bare}, nil
		}
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err)
	}
	if parsed.Value == "" {
		return nil, fmt.Errorf("%w: response carries no value", ErrInvalidResponse)
	}
	return &parsed, nil
}
