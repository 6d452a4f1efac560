package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL,
		APIKey:     "test-key",
		Dimensions: 3,
	}, observability.NewNoopLogger(), nil, nil)
	require.NoError(t, err)
	// Fast retries so failure tests stay quick.
	client.retry.InitialInterval = time.Millisecond
	client.retry.MaxInterval = 5 * time.Millisecond
	return client
}

func embeddingHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{Model: req.Model}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), 1, 0}, Index: i})
		}
		resp.Usage = usage{PromptTokens: 7, TotalTokens: 7}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestEmbedSingle(t *testing.T) {
	client := newTestClient(t, embeddingHandler(t))

	vec, err := client.Embed(context.Background(), "fetch a web page")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vec)
}

func TestEmbedEmptyText(t *testing.T) {
	client := newTestClient(t, embeddingHandler(t))

	_, err := client.Embed(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
}

func TestEmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		embeddingHandler(t)(w, r)
	})

	texts := make([]string, maxBatchSize+4)
	for i := range texts {
		texts[i] = fmt.Sprintf("capability %d", i)
	}

	vectors, err := client.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	assert.Equal(t, int64(2), calls.Load())
	// Second batch restarts the handler's per-request index at zero.
	assert.Equal(t, []float32{0, 1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1, 0}, vectors[maxBatchSize])
}

func TestEmbedDimensionMismatchRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{{Embedding: []float32{1, 2}, Index: 0}}})
	})

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrUpstreamUnavailable, models.KindOf(err))
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		embeddingHandler(t)(w, r)
	})

	_, err := client.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestEmbedBudgetExhaustedNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "quota exceeded"},
		})
	})

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrBudgetExhausted, models.KindOf(err))
	assert.Equal(t, int64(1), calls.Load(), "budget errors are permanent")

	var typed *models.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 30*time.Second, typed.RetryAfter)
}

func TestEmbedBadInputNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedBillingEventEmitted(t *testing.T) {
	sink := observability.NewMemorySink(16)
	pipeline := observability.NewPipeline(observability.NewNoopLogger())
	pipeline.AddSink(sink)
	defer func() { _ = pipeline.Close() }()

	server := httptest.NewServer(embeddingHandler(t))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "test-key", Dimensions: 3},
		observability.NewNoopLogger(), nil, pipeline)
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "text")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.EventsOfType(observability.EventInvocationBilled)) == 1
	}, time.Second, 10*time.Millisecond)

	billed := sink.EventsOfType(observability.EventInvocationBilled)[0]
	assert.Equal(t, "embed", billed.Fields["operation"])
	assert.Equal(t, 7, billed.Fields["total_tokens"])
}

func TestGenerate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "a short summary"}}},
			Usage: usage{TotalTokens: 12},
		})
	})

	out, err := client.Generate(context.Background(), "You summarize text.", "Summarize this.", 128)
	require.NoError(t, err)
	assert.Equal(t, "a short summary", out)
}

func TestGenerateNoChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{})
	})

	_, err := client.Generate(context.Background(), "", "prompt", 0)
	require.Error(t, err)
	assert.Equal(t, models.ErrUpstreamUnavailable, models.KindOf(err))
}
