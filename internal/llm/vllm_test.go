package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrail/keyrail/internal/schema"
)

func TestVLLMComplete_CustomHeaderAuth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The real key rides in X-API-Key; the standard slot carries the
		// placeholder so OpenAI-client plumbing stays satisfied.
		assert.Equal(t, "vllm-secret-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "Bearer "+PlaceholderKey, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse("llama-3.1-8b", "hi from vllm"))
	}))
	t.Cleanup(ts.Close)

	provider := NewVLLMProvider()
	req := &Request{Model: "llama-3.1-8b", Messages: []Message{{Role: "user", Content: "Hello"}}}

	resp, err := provider.Complete(context.Background(), testCreds("vllm", "vllm-secret-key", ts.URL), req)
	require.NoError(t, err)
	assert.Equal(t, "hi from vllm", resp.Content)
}

func TestVLLMComplete_EndpointWithV1Suffix(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse("llama-3.1-8b", "ok"))
	}))
	t.Cleanup(ts.Close)

	creds := testCreds("vllm", "vllm-secret-key", ts.URL+"/v1")
	req := &Request{Model: "llama-3.1-8b", Messages: []Message{{Role: "user", Content: "Hello"}}}

	_, err := NewVLLMProvider().Complete(context.Background(), creds, req)
	require.NoError(t, err)
}

func TestVLLMComplete_RateLimitRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited"},
		})
	}))
	t.Cleanup(ts.Close)

	req := &Request{Model: "llama-3.1-8b", Messages: []Message{{Role: "user", Content: "Hello"}}}
	_, err := NewVLLMProvider().Complete(context.Background(), testCreds("vllm", "vllm-secret-key", ts.URL), req)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindRateLimit, perr.Kind)
	assert.True(t, perr.Retryable())
}

func TestHeaderTransportDoesNotMutateOriginal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	transport := &headerTransport{header: "X-API-Key", value: "secret"}
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("X-API-Key"), "original request must stay untouched")
}

func TestVLLMFieldSchemaRequiresEndpoint(t *testing.T) {
	fs, err := schema.Lookup("vllm")
	require.NoError(t, err)
	assert.True(t, fs.IsRequired(schema.FieldEndpoint))
	assert.True(t, fs.IsSensitive(schema.FieldAPIKey))
}
