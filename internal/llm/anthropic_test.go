package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicComplete_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "anthropic-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var apiReq anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		assert.Equal(t, "You are terse.", apiReq.System, "system messages move to the system field")
		require.Len(t, apiReq.Messages, 1)
		assert.Equal(t, "user", apiReq.Messages[0].Role)
		assert.Greater(t, apiReq.MaxTokens, 0, "max_tokens is mandatory")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_test",
			"content": []map[string]any{
				{"type": "text", "text": "Short answer."},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 4},
		})
	}))
	t.Cleanup(ts.Close)

	req := &Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "Hello"},
		},
	}

	resp, err := NewAnthropicProvider().Complete(context.Background(), testCreds("anthropic", "anthropic-key", ts.URL), req)
	require.NoError(t, err)
	assert.Equal(t, "Short answer.", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
}

func TestAnthropicComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, true},
		{"rate limited", http.StatusTooManyRequests, KindRateLimit, true},
		{"bad request", http.StatusBadRequest, KindBadRequest, false},
		{"overloaded", http.StatusServiceUnavailable, KindTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "upstream says no"},
				})
			}))
			t.Cleanup(ts.Close)

			req := &Request{Model: "claude-sonnet-4-20250514", Messages: []Message{{Role: "user", Content: "hi"}}}
			_, err := NewAnthropicProvider().Complete(context.Background(), testCreds("anthropic", "k-anthropic", ts.URL), req)
			require.Error(t, err)

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, tt.retryable, perr.Retryable())
			assert.Contains(t, perr.Message, "upstream says no")
		})
	}
}

func TestAnthropicStream_SSE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiReq anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&apiReq))
		assert.True(t, apiReq.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\n")
		io.WriteString(w, `data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}`+"\n\n")
		io.WriteString(w, "event: content_block_delta\n")
		io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`+"\n\n")
		io.WriteString(w, "event: content_block_delta\n")
		io.WriteString(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`+"\n\n")
		io.WriteString(w, "event: message_delta\n")
		io.WriteString(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`+"\n\n")
		io.WriteString(w, "event: message_stop\n")
		io.WriteString(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	t.Cleanup(ts.Close)

	req := &Request{Model: "claude-sonnet-4-20250514", Messages: []Message{{Role: "user", Content: "Hello"}}}
	stream, err := NewAnthropicProvider().Stream(context.Background(), testCreds("anthropic", "k-anthropic", ts.URL), req)
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var final *Chunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content += chunk.Delta
		if chunk.Usage != nil {
			final = chunk
		}
	}

	assert.Equal(t, "Hello", content)
	require.NotNil(t, final, "terminal chunk must carry usage")
	assert.Equal(t, "end_turn", final.FinishReason)
	assert.Equal(t, 9, final.Usage.InputTokens)
	assert.Equal(t, 3, final.Usage.OutputTokens)
}

func TestAnthropicStream_HTTPErrorBeforeStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "slow down"},
		})
	}))
	t.Cleanup(ts.Close)

	req := &Request{Model: "claude-sonnet-4-20250514", Messages: []Message{{Role: "user", Content: "Hello"}}}
	_, err := NewAnthropicProvider().Stream(context.Background(), testCreds("anthropic", "k-anthropic", ts.URL), req)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindRateLimit, perr.Kind)
}

func TestAnthropicEmbed_NotSupported(t *testing.T) {
	_, err := NewAnthropicProvider().Embed(context.Background(), testCreds("anthropic", "k-anthropic", ""), &EmbedRequest{
		Model: "claude-sonnet-4-20250514",
		Input: []string{"text"},
	})
	require.ErrorIs(t, err, ErrEmbeddingsNotSupported)
}
