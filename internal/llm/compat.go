package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	krotel "github.com/keyrail/keyrail/internal/otel"
)

var tracer = krotel.Tracer("github.com/keyrail/keyrail/internal/llm")

// newCompatClient builds a go-openai client for an OpenAI-compatible
// endpoint. baseURL "" keeps the official API. The auth strategy decides
// whether the key rides in the standard bearer slot or a custom header.
func newCompatClient(apiKey, baseURL string, auth AuthStrategy) *openai.Client {
	var cfg openai.ClientConfig
	if auth.Mode == AuthCustomHeader {
		cfg = openai.DefaultConfig(PlaceholderKey)
		cfg.HTTPClient = &http.Client{
			Transport: &headerTransport{header: auth.Header, value: apiKey},
		}
	} else {
		cfg = openai.DefaultConfig(apiKey)
	}
	if baseURL != "" {
		cfg.BaseURL = normalizeCompatBaseURL(baseURL)
	}
	return openai.NewClientWithConfig(cfg)
}

// normalizeCompatBaseURL appends the /v1 suffix the client expects.
// Self-hosted endpoints are often configured without it; tolerate either form.
func normalizeCompatBaseURL(baseURL string) string {
	return strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1") + "/v1"
}

// compatComplete runs a non-streaming chat completion against any
// OpenAI-compatible client and normalizes the response.
func compatComplete(ctx context.Context, client *openai.Client, system string, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(
			krotel.GenAISystem.String(system),
			krotel.GenAIRequestModel.String(req.Model),
			krotel.GenAIRequestTemperature.Float64(req.Temperature),
			krotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, wrapOpenAIError(system, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Kind: KindTransient, Provider: system, Message: "no choices returned"}
	}

	span.SetAttributes(
		krotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		krotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		krotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)),
	)

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

// compatStream starts a streaming chat completion. Usage on the final chunk
// is requested explicitly via stream_options; a stream simply lacking usage
// is not an error, so relying on provider defaults would silently lose it.
func compatStream(ctx context.Context, client *openai.Client, system string, req *Request) (Stream, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.stream",
		trace.WithAttributes(
			krotel.GenAISystem.String(system),
			krotel.GenAIRequestModel.String(req.Model),
		))

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	s, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Temperature:   float32(req.Temperature),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		return nil, wrapOpenAIError(system, err)
	}

	return &chunkStream{s: s, system: system, span: span, cancel: cancel}, nil
}

type chunkStream struct {
	s      *openai.ChatCompletionStream
	system string
	span   trace.Span
	cancel context.CancelFunc
}

func (c *chunkStream) Recv() (*Chunk, error) {
	resp, err := c.s.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		c.span.RecordError(err)
		return nil, wrapOpenAIError(c.system, err)
	}

	chunk := &Chunk{}
	if resp.Usage != nil {
		chunk.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		c.span.SetAttributes(
			krotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
			krotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		)
	}
	if len(resp.Choices) > 0 {
		chunk.Delta = resp.Choices[0].Delta.Content
		chunk.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return chunk, nil
}

func (c *chunkStream) Close() error {
	c.span.End()
	c.cancel()
	return c.s.Close()
}

// compatEmbed computes embeddings via an OpenAI-compatible endpoint.
func compatEmbed(ctx context.Context, client *openai.Client, system string, req *EmbedRequest) (*EmbedResponse, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.embed",
		trace.WithAttributes(
			krotel.GenAISystem.String(system),
			krotel.GenAIRequestModel.String(req.Model),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: req.Input,
		Model: openai.EmbeddingModel(req.Model),
	})
	if err != nil {
		span.RecordError(err)
		return nil, wrapOpenAIError(system, err)
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		embeddings[i] = d.Embedding
	}
	span.SetAttributes(krotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens))

	return &EmbedResponse{
		Embeddings:  embeddings,
		InputTokens: resp.Usage.PromptTokens,
		Model:       req.Model,
	}, nil
}
