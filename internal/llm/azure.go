package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

// AzureProvider implements Provider for Azure OpenAI deployments. Azure
// routes by a composite of base endpoint + api version + deployment name
// rather than a single URL; the client assembles the final request URL per
// Azure's documented scheme, with the model name mapped to the deployment.
type AzureProvider struct{}

// NewAzureProvider creates the Azure OpenAI adapter.
func NewAzureProvider() *AzureProvider {
	return &AzureProvider{}
}

// Name returns the provider identifier.
func (p *AzureProvider) Name() string {
	return "azure"
}

func (p *AzureProvider) client(creds *resolver.ResolvedCredential) *openai.Client {
	cfg := openai.DefaultAzureConfig(creds.APIKey(), creds.Field(schema.FieldEndpoint))
	if v := creds.Field(schema.FieldAPIVersion); v != "" {
		cfg.APIVersion = v
	}
	deployment := creds.Field(schema.FieldDeploymentName)
	cfg.AzureModelMapperFunc = func(model string) string {
		return deployment
	}
	return openai.NewClientWithConfig(cfg)
}

// Complete sends a chat completion request to the Azure deployment.
func (p *AzureProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (*Response, error) {
	return compatComplete(ctx, p.client(creds), p.Name(), req)
}

// Stream sends a streaming chat completion request to the Azure deployment.
func (p *AzureProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *Request) (Stream, error) {
	return compatStream(ctx, p.client(creds), p.Name(), req)
}

// Embed computes embeddings via the Azure deployment.
func (p *AzureProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *EmbedRequest) (*EmbedResponse, error) {
	return compatEmbed(ctx, p.client(creds), p.Name(), req)
}
