package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

// vllmAuthHeader is where self-hosted vLLM gateways expect the real key.
// The standard Authorization slot carries the placeholder so OpenAI-client
// plumbing stays satisfied.
const vllmAuthHeader = "X-API-Key"

// VLLMProvider implements Provider for self-hosted vLLM deployments exposing
// the OpenAI-compatible API. The endpoint comes from the resolved credential
// (tenant field, model-level override, or global VLLM_MODEL_URL per the
// resolution priority); auth uses the custom-header strategy.
type VLLMProvider struct {
	auth AuthStrategy
}

// NewVLLMProvider creates the vLLM adapter.
func NewVLLMProvider() *VLLMProvider {
	return &VLLMProvider{auth: AuthStrategy{Mode: AuthCustomHeader, Header: vllmAuthHeader}}
}

// Name returns the provider identifier.
func (p *VLLMProvider) Name() string {
	return "vllm"
}

func (p *VLLMProvider) client(creds *resolver.ResolvedCredential) *openai.Client {
	return newCompatClient(creds.APIKey(), creds.Field(schema.FieldEndpoint), p.auth)
}

// Complete sends a chat completion request to the vLLM gateway.
func (p *VLLMProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error) {
	return compatComplete(ctx, p.client(creds), p.Name(), req)
}

// Stream sends a streaming chat completion request to the vLLM gateway.
func (p *VLLMProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error) {
	return compatStream(ctx, p.client(creds), p.Name(), req)
}

// Embed computes embeddings via the gateway's OpenAI-compatible endpoint.
func (p *VLLMProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error) {
	return compatEmbed(ctx, p.client(creds), p.Name(), req)
}
