// Package embedding talks to an OpenAI-compatible inference service for
// embedding vectors and short text generation. Failures are mapped onto
// the shared error taxonomy so callers can decide what is retryable.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
	"github.com/developer-mesh/capability-server/pkg/resilience"
)

const (
	defaultModel      = "text-embedding-3-small"
	defaultChatModel  = "gpt-4o-mini"
	defaultDimensions = 1536
	requestTimeout    = 10 * time.Second
	maxBatchSize      = 16
)

// Embedder produces embedding vectors for catalog text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Generator produces short completions. The summarize tool and the
// optional selector reranker are its only consumers.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// ClientConfig configures the inference client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	ChatModel  string
	Dimensions int
}

// Client is an OpenAI-compatible HTTP client implementing Embedder and
// Generator. Calls are retried on transient failures and guarded by a
// circuit breaker shared across both endpoints.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   resilience.RetryConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	events  *observability.Pipeline
}

// NewClient creates an inference client. BaseURL is required; model
// names and dimensions fall back to service defaults.
func NewClient(cfg ClientConfig, logger observability.Logger, metrics observability.MetricsClient, events *observability.Pipeline) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, models.NewError(models.ErrInvalidArgument, "embedding service URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultDimensions
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	retry := resilience.DefaultRetryConfig()
	retry.RetryIf = func(err error) bool { return models.Transient(models.KindOf(err)) }

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: resilience.NewBreaker("embedding-service", logger),
		retry:   retry,
		logger:  logger.WithPrefix("embedding"),
		metrics: metrics,
		events:  events,
	}, nil
}

func (c *Client) Dimensions() int { return c.cfg.Dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage usage  `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, models.NewError(models.ErrInvalidArgument, "cannot embed empty text")
	}
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in order, splitting into service-sized batches.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, models.NewError(models.ErrInvalidArgument, "no texts to embed")
	}
	for i, t := range texts {
		if t == "" {
			return nil, models.NewError(models.ErrInvalidArgument, "text %d is empty", i)
		}
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	started := time.Now()
	var resp embeddingResponse
	err := c.do(ctx, "/v1/embeddings", embeddingRequest{Model: c.cfg.Model, Input: texts}, &resp)
	c.metrics.RecordOperation("embedding", "embed_batch", err == nil, time.Since(started))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, models.NewError(models.ErrUpstreamUnavailable,
			"embedding service returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, models.NewError(models.ErrUpstreamUnavailable, "embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != c.cfg.Dimensions {
			return nil, models.NewError(models.ErrUpstreamUnavailable,
				"embedding has %d dimensions, expected %d", len(d.Embedding), c.cfg.Dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	c.bill(ctx, "embed", resp.Model, resp.Usage)
	return vectors, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage usage  `json:"usage"`
}

// Generate runs a single chat completion and returns the assistant text.
func (c *Client) Generate(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if prompt == "" {
		return "", models.NewError(models.ErrInvalidArgument, "cannot generate from empty prompt")
	}

	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	started := time.Now()
	var resp chatResponse
	err := c.do(ctx, "/v1/chat/completions", chatRequest{
		Model:     c.cfg.ChatModel,
		Messages:  messages,
		MaxTokens: maxTokens,
	}, &resp)
	c.metrics.RecordOperation("embedding", "generate", err == nil, time.Since(started))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", models.NewError(models.ErrUpstreamUnavailable, "generation returned no choices")
	}
	c.bill(ctx, "generate", resp.Model, resp.Usage)
	return resp.Choices[0].Message.Content, nil
}

// do posts the payload and decodes the response, with retry and breaker
// around the attempt. Non-retryable failures abort the retry loop.
func (c *Client) do(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.WrapError(models.ErrInternal, err, "failed to encode request")
	}

	return resilience.Retry(ctx, c.retry, func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, path, body, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return models.WrapError(models.ErrUpstreamUnavailable, err, "embedding service circuit open")
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return models.WrapError(models.ErrInternal, err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.WrapError(models.ErrTimedOut, err, "embedding request deadline exceeded")
		}
		return models.WrapError(models.ErrUpstreamUnavailable, err, "embedding service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return c.mapStatus(resp, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.WrapError(models.ErrUpstreamUnavailable, err, "failed to decode response")
	}
	return nil
}

func (c *Client) mapStatus(resp *http.Response, raw []byte) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	detail := http.StatusText(resp.StatusCode)
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		detail = apiErr.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return models.NewError(models.ErrInvalidArgument, "embedding service rejected input: %s", detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.NewError(models.ErrDenied, "embedding service denied request: %s", detail)
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusTooManyRequests:
		err := models.NewError(models.ErrBudgetExhausted, "embedding budget exhausted: %s", detail)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return err.WithRetryAfter(after)
		}
		return err
	case resp.StatusCode >= 500:
		return models.NewError(models.ErrUpstreamUnavailable, "embedding service error %d: %s", resp.StatusCode, detail)
	default:
		return models.NewError(models.ErrInternal, "unexpected embedding status %d: %s", resp.StatusCode, detail)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func (c *Client) bill(ctx context.Context, operation, model string, u usage) {
	if model == "" {
		model = c.cfg.Model
	}
	c.metrics.IncrementCounter("embedding_tokens_total", float64(u.TotalTokens), map[string]string{
		"operation": operation,
		"model":     model,
	})
	if c.events != nil {
		c.events.Emit(ctx, observability.EventInvocationBilled, map[string]interface{}{
			"operation":         operation,
			"model":             model,
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		})
	}
}
