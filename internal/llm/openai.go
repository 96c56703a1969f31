package llm

import (
	"context"

	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

// OpenAIProvider implements Provider for the official OpenAI API.
// Auth is the standard bearer scheme; the endpoint field, when present,
// overrides the official base URL (e.g. a regional proxy).
type OpenAIProvider struct {
	auth AuthStrategy
}

// NewOpenAIProvider creates the OpenAI adapter.
func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{auth: AuthStrategy{Mode: AuthBearer}}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends a chat completion request to OpenAI.
func (p *OpenAIProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error) {
	client := newCompatClient(creds.APIKey(), creds.Field(schema.FieldEndpoint), p.auth)
	return compatComplete(ctx, client, p.Name(), req)
}

// Stream sends a streaming chat completion request to OpenAI.
func (p *OpenAIProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error) {
	client := newCompatClient(creds.APIKey(), creds.Field(schema.FieldEndpoint), p.auth)
	return compatStream(ctx, client, p.Name(), req)
}

// Embed computes embeddings via the OpenAI embeddings API.
func (p *OpenAIProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error) {
	client := newCompatClient(creds.APIKey(), creds.Field(schema.FieldEndpoint), p.auth)
	return compatEmbed(ctx, client, p.Name(), req)
}
