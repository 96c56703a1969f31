package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

// OllamaProvider implements Provider for local Ollama instances. No API key;
// the endpoint comes from the resolved credential (OLLAMA_BASE_URL or a
// tenant-configured endpoint).
type OllamaProvider struct {
	httpClient *http.Client
}

// NewOllamaProvider creates the Ollama adapter.
func NewOllamaProvider() *OllamaProvider {
	return &OllamaProvider{httpClient: &http.Client{}}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Complete sends a chat request to the Ollama instance.
func (p *OllamaProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(
			krotel.GenAISystem.String(p.Name()),
			krotel.GenAIRequestModel.String(req.Model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]ollamaMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = ollamaMessage{Role: msg.Role, Content: msg.Content}
	}

	body, err := json.Marshal(ollamaRequest{Model: req.Model, Messages: messages, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("marshalling ollama request: %w", err)
	}

	baseURL := strings.TrimSuffix(creds.Field(schema.FieldEndpoint), "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, wrapTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := newHTTPError(p.Name(), resp.StatusCode, string(respBody))
		span.RecordError(perr)
		return nil, perr
	}

	var apiResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &ProviderError{Kind: KindTransient, Provider: p.Name(), Message: "decoding response: " + err.Error()}
	}

	span.SetAttributes(
		krotel.GenAIUsageInputTokens.Int(apiResp.PromptEvalCount),
		krotel.GenAIUsageOutputTokens.Int(apiResp.EvalCount),
	)

	return &Response{
		Content:      apiResp.Message.Content,
		FinishReason: "stop",
		InputTokens:  apiResp.PromptEvalCount,
		OutputTokens: apiResp.EvalCount,
		Model:        req.Model,
	}, nil
}

// Stream is not supported for Ollama in this core.
func (p *OllamaProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error) {
	return nil, fmt.Errorf("ollama: %w", ErrStreamingNotSupported)
}

// Embed computes embeddings via the Ollama embeddings endpoint.
func (p *OllamaProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.embed",
		trace.WithAttributes(
			krotel.GenAISystem.String(p.Name()),
			krotel.GenAIRequestModel.String(req.Model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	baseURL := strings.TrimSuffix(creds.Field(schema.FieldEndpoint), "/")
	embeddings := make([][]float32, 0, len(req.Input))

	// Ollama embeds one input per request.
	for _, input := range req.Input {
		body, err := json.Marshal(map[string]string{"model": req.Model, "prompt": input})
		if err != nil {
			return nil, fmt.Errorf("marshalling ollama embed request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating ollama embed request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			span.RecordError(err)
			return nil, wrapTransportError(p.Name(), err)
		}

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			perr := newHTTPError(p.Name(), resp.StatusCode, string(respBody))
			span.RecordError(perr)
			return nil, perr
		}

		var apiResp struct {
			Embedding []float32 `json:"embedding"`
		}
		err = json.NewDecoder(resp.Body).Decode(&apiResp)
		resp.Body.Close()
		if err != nil {
			return nil, &ProviderError{Kind: KindTransient, Provider: p.Name(), Message: "decoding response: " + err.Error()}
		}
		embeddings = append(embeddings, apiResp.Embedding)
	}

	return &EmbedResponse{Embeddings: embeddings, Model: req.Model}, nil
}
