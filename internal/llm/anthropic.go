package llm

import (
	"bufio"
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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
// Anthropic takes the key in an x-api-key header rather than a bearer token.
type AnthropicProvider struct {
	httpClient *http.Client
}

// NewAnthropicProvider creates the Anthropic adapter.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{httpClient: &http.Client{}}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// buildRequest converts the normalized request. Anthropic uses a separate
// "system" field rather than system messages; all system messages are
// concatenated so no directive is lost.
func buildRequest(req *Request, stream bool) anthropicRequest {
	var systemParts []string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024 // max_tokens is mandatory on the Messages API
	}
	return anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, creds *resolver.ResolvedCredential, apiReq anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshalling anthropic request: %w", err)
	}

	baseURL := creds.Field(schema.FieldEndpoint)
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", creds.APIKey())
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

// Complete sends a completion request to Anthropic.
func (p *AnthropicProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(
			krotel.GenAISystem.String(p.Name()),
			krotel.GenAIRequestModel.String(req.Model),
			krotel.GenAIRequestTemperature.Float64(req.Temperature),
			krotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	httpReq, err := p.newHTTPRequest(ctx, creds, buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, wrapTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := newHTTPError(p.Name(), resp.StatusCode, anthropicErrorMessage(respBody))
		span.RecordError(perr)
		return nil, perr
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &ProviderError{Kind: KindTransient, Provider: p.Name(), Message: "decoding response: " + err.Error()}
	}

	span.SetAttributes(
		krotel.GenAIUsageInputTokens.Int(apiResp.Usage.InputTokens),
		krotel.GenAIUsageOutputTokens.Int(apiResp.Usage.OutputTokens),
		krotel.GenAIResponseFinishReason.String(apiResp.StopReason),
		krotel.GenAIResponseID.String(apiResp.ID),
	)

	// Concatenate all text blocks; Anthropic can return multiple content
	// blocks (e.g. a tool_use block before the text).
	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content:      content.String(),
		FinishReason: apiResp.StopReason,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
		Model:        req.Model,
	}, nil
}

// Stream sends a streaming request to Anthropic and returns a chunk stream
// over its SSE events. Usage arrives on message_start (input tokens) and
// message_delta (output tokens); the final chunk carries the combined counts.
func (p *AnthropicProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.stream",
		trace.WithAttributes(
			krotel.GenAISystem.String(p.Name()),
			krotel.GenAIRequestModel.String(req.Model),
		))

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)

	httpReq, err := p.newHTTPRequest(ctx, creds, buildRequest(req, true))
	if err != nil {
		span.End()
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		return nil, wrapTransportError(p.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		perr := newHTTPError(p.Name(), resp.StatusCode, anthropicErrorMessage(respBody))
		span.RecordError(perr)
		span.End()
		cancel()
		return nil, perr
	}

	return &anthropicStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		span:    span,
		cancel:  cancel,
	}, nil
}

// Embed is not supported: Anthropic has no embeddings API.
func (p *AnthropicProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error) {
	return nil, fmt.Errorf("anthropic: %w", ErrEmbeddingsNotSupported)
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	span    trace.Span
	cancel  context.CancelFunc

	inputTokens  int
	outputTokens int
	stopReason   string
}

func (s *anthropicStream) Recv() (*Chunk, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			s.inputTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Type == "text_delta" {
				return &Chunk{Delta: event.Delta.Text}, nil
			}
		case "message_delta":
			s.outputTokens = event.Usage.OutputTokens
			if event.Delta.StopReason != "" {
				s.stopReason = event.Delta.StopReason
			}
		case "message_stop":
			s.span.SetAttributes(
				krotel.GenAIUsageInputTokens.Int(s.inputTokens),
				krotel.GenAIUsageOutputTokens.Int(s.outputTokens),
			)
			return &Chunk{
				FinishReason: s.stopReason,
				Usage:        &Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
			}, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.span.RecordError(err)
		return nil, wrapTransportError("anthropic", err)
	}
	return nil, io.EOF
}

func (s *anthropicStream) Close() error {
	s.span.End()
	s.cancel()
	return s.body.Close()
}

// anthropicErrorMessage extracts the error message from an Anthropic error
// body, falling back to a body excerpt.
func anthropicErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}
