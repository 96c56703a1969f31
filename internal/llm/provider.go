// Package llm contains the provider adapter set: one adapter per provider
// family, all speaking a common normalized request/response contract.
// Adapters are stateless; the resolved credential for a call is passed per
// invocation and never retained.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyrail/keyrail/internal/resolver"
)

// TimeoutLLMCall bounds a single provider call.
const TimeoutLLMCall = 120 * time.Second

var (
	ErrProviderNotAvailable   = errors.New("provider not available")
	ErrUnknownModel           = errors.New("cannot infer provider for model")
	ErrStreamingNotSupported  = errors.New("streaming not supported by provider")
	ErrEmbeddingsNotSupported = errors.New("embeddings not supported by provider")
)

// Provider is the contract all adapters implement. Credentials arrive
// per call as a resolved, decrypted field set scoped to that call.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "vllm").
	Name() string
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error)
	// Stream sends a chat completion request and returns a lazy chunk
	// stream. Consuming the stream is the only way to advance the
	// underlying network read; cancelling ctx aborts the in-flight call.
	Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error)
	// Embed computes embeddings where the provider supports them.
	Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error)
}

// Request is the normalized chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message is one entry of the ordered role+content conversation.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response is the normalized completion response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Usage holds token counts reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one partial streaming response. The final chunk carries Usage when
// the transport supports it (adapters request usage inclusion explicitly;
// providers omit it silently by default).
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// Stream is a lazy sequence of chunks for one call. Recv returns io.EOF after
// the final chunk. Chunk order as received from the provider is preserved.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// EmbedRequest is the normalized embedding request.
type EmbedRequest struct {
	Model string
	Input []string
}

// EmbedResponse is the normalized embedding response.
type EmbedResponse struct {
	Embeddings  [][]float32
	InputTokens int
	Model       string
}

// Registry holds the configured adapters by provider name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds the default adapter set.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range []Provider{
		NewOpenAIProvider(),
		NewAzureProvider(),
		NewAnthropicProvider(),
		NewVLLMProvider(),
		NewOllamaProvider(),
	} {
		r.providers[p.Name()] = p
	}
	return r
}

// ForProvider returns the adapter for a provider name.
func (r *Registry) ForProvider(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", name, ErrProviderNotAvailable)
	}
	return p, nil
}

// InferProvider determines the provider from a model identifier. Bare
// open-weight model names route to the self-hosted vllm gateway; callers can
// always override with an explicit provider selection. Fails closed for
// unrecognized prefixes.
func InferProvider(model string) (string, error) {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai", nil
	case strings.HasPrefix(model, "claude-"):
		return "anthropic", nil
	case strings.HasPrefix(model, "llama"),
		strings.HasPrefix(model, "mistral"),
		strings.HasPrefix(model, "qwen"),
		strings.HasPrefix(model, "gemma"),
		strings.HasPrefix(model, "phi"):
		return "vllm", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
}
