package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

func ollamaCreds(endpoint string) *resolver.ResolvedCredential {
	return &resolver.ResolvedCredential{
		Provider: "ollama",
		Fields:   map[string]string{schema.FieldEndpoint: endpoint},
		Source:   resolver.SourceGlobal,
	}
}

func TestOllamaComplete_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "local instance takes no key")

		var apiReq ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		assert.False(t, apiReq.Stream)
		assert.Equal(t, "llama3.2", apiReq.Model)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "local hello"},
			"prompt_eval_count": 6,
			"eval_count":        3,
		})
	}))
	t.Cleanup(ts.Close)

	req := &Request{Model: "llama3.2", Messages: []Message{{Role: "user", Content: "Hello"}}}
	resp, err := NewOllamaProvider().Complete(context.Background(), ollamaCreds(ts.URL), req)
	require.NoError(t, err)
	assert.Equal(t, "local hello", resp.Content)
	assert.Equal(t, 6, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
}

func TestOllamaComplete_ServerErrorTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	req := &Request{Model: "llama3.2", Messages: []Message{{Role: "user", Content: "Hello"}}}
	_, err := NewOllamaProvider().Complete(context.Background(), ollamaCreds(ts.URL), req)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTransient, perr.Kind)
	assert.True(t, perr.Retryable())
}

func TestOllamaEmbed_OneRequestPerInput(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		calls++
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{float32(calls), 0.5}})
	}))
	t.Cleanup(ts.Close)

	resp, err := NewOllamaProvider().Embed(context.Background(), ollamaCreds(ts.URL), &EmbedRequest{
		Model: "nomic-embed-text",
		Input: []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{1, 0.5}, resp.Embeddings[0])
}

func TestOllamaStream_NotSupported(t *testing.T) {
	req := &Request{Model: "llama3.2", Messages: []Message{{Role: "user", Content: "Hello"}}}
	_, err := NewOllamaProvider().Stream(context.Background(), ollamaCreds("http://localhost:11434"), req)
	require.ErrorIs(t, err, ErrStreamingNotSupported)
}
