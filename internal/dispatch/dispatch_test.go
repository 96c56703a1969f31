package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrail/keyrail/internal/llm"
	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
)

// fastRetry keeps retry tests quick without touching the backoff logic.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

type stubResolver struct {
	creds    *resolver.ResolvedCredential
	err      error
	resolves int
}

func (s *stubResolver) Resolve(ctx context.Context, tenantID, provider, model string) (*resolver.ResolvedCredential, error) {
	s.resolves++
	if s.err != nil {
		return nil, s.err
	}
	return s.creds, nil
}

type stubProvider struct {
	name     string
	calls    int
	complete func(call int) (*llm.Response, error)
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(ctx context.Context, creds *resolver.ResolvedCredential, req *llm.Request) (*llm.Response, error) {
	p.calls++
	return p.complete(p.calls)
}

func (p *stubProvider) Stream(ctx context.Context, creds *resolver.ResolvedCredential, req *llm.Request) (llm.Stream, error) {
	p.calls++
	_, err := p.complete(p.calls)
	if err != nil {
		return nil, err
	}
	return &stubStream{}, nil
}

func (p *stubProvider) Embed(ctx context.Context, creds *resolver.ResolvedCredential, req *llm.EmbedRequest) (*llm.EmbedResponse, error) {
	p.calls++
	if _, err := p.complete(p.calls); err != nil {
		return nil, err
	}
	return &llm.EmbedResponse{Embeddings: [][]float32{{0.1}}}, nil
}

type stubStream struct{}

func (s *stubStream) Recv() (*llm.Chunk, error) { return nil, context.Canceled }
func (s *stubStream) Close() error              { return nil }

type stubRegistry struct {
	provider llm.Provider
}

func (r *stubRegistry) ForProvider(name string) (llm.Provider, error) {
	if r.provider == nil || r.provider.Name() != name {
		return nil, llm.ErrProviderNotAvailable
	}
	return r.provider, nil
}

func openAICreds() *resolver.ResolvedCredential {
	return &resolver.ResolvedCredential{
		Provider: "openai",
		Fields:   map[string]string{schema.FieldAPIKey: "sk-test-123456"},
		Source:   resolver.SourceTenant,
	}
}

func chatReq() *llm.Request {
	return &llm.Request{Model: "gpt-4o", Messages: []llm.Message{{Role: "user", Content: "hi"}}}
}

func TestCompleteSucceedsFirstAttempt(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(int) (*llm.Response, error) {
		return &llm.Response{Content: "ok", InputTokens: 3, OutputTokens: 1}, nil
	}}
	res := &stubResolver{creds: openAICreds()}
	engine := New(res, &stubRegistry{provider: provider}, fastRetry())

	resp, err := engine.Complete(context.Background(), "tenant-a", "", chatReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 1, res.resolves)
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(call int) (*llm.Response, error) {
		if call < 3 {
			return nil, &llm.ProviderError{Kind: llm.KindTransient, Provider: "openai", StatusCode: http.StatusBadGateway, Message: "upstream down"}
		}
		return &llm.Response{Content: "recovered"}, nil
	}}
	res := &stubResolver{creds: openAICreds()}
	engine := New(res, &stubRegistry{provider: provider}, fastRetry())

	resp, err := engine.Complete(context.Background(), "tenant-a", "", chatReq())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 3, provider.calls)
	assert.Equal(t, 3, res.resolves, "credentials re-resolved each attempt")
}

func TestCompleteStopsAtMaxAttempts(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(int) (*llm.Response, error) {
		return nil, &llm.ProviderError{Kind: llm.KindRateLimit, Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "rate limited"}
	}}
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, fastRetry())

	_, err := engine.Complete(context.Background(), "tenant-a", "", chatReq())
	require.Error(t, err)
	assert.Equal(t, 3, provider.calls, "exactly MaxAttempts calls")

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr, "last error is returned")
	assert.Equal(t, llm.KindRateLimit, perr.Kind)
}

func TestCompleteBadRequestNotRetried(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(int) (*llm.Response, error) {
		return nil, &llm.ProviderError{Kind: llm.KindBadRequest, Provider: "openai", StatusCode: http.StatusBadRequest, Message: "malformed"}
	}}
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, fastRetry())

	_, err := engine.Complete(context.Background(), "tenant-a", "", chatReq())
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "non-retryable failures get exactly one attempt")
}

func TestCompleteResolutionFailureNotRetried(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(int) (*llm.Response, error) {
		t.Fatal("provider must not be called when resolution fails")
		return nil, nil
	}}
	res := &stubResolver{err: &resolver.NotConfiguredError{TenantID: "tenant-a", Provider: "openai"}}
	engine := New(res, &stubRegistry{provider: provider}, fastRetry())

	_, err := engine.Complete(context.Background(), "tenant-a", "", chatReq())
	require.Error(t, err)

	var ncErr *resolver.NotConfiguredError
	require.ErrorAs(t, err, &ncErr)
	assert.Equal(t, 1, res.resolves)
	assert.Equal(t, 0, provider.calls)
}

func TestCompleteProviderOverrideBeatsInference(t *testing.T) {
	provider := &stubProvider{name: "vllm", complete: func(int) (*llm.Response, error) {
		return &llm.Response{Content: "from vllm"}, nil
	}}
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, fastRetry())

	// gpt-4o would infer openai; the explicit override wins.
	resp, err := engine.Complete(context.Background(), "tenant-a", "vllm", chatReq())
	require.NoError(t, err)
	assert.Equal(t, "from vllm", resp.Content)
}

func TestCompleteUnknownModelFailsClosed(t *testing.T) {
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{}, fastRetry())

	_, err := engine.Complete(context.Background(), "tenant-a", "", &llm.Request{Model: "mystery-model"})
	require.ErrorIs(t, err, llm.ErrUnknownModel)
}

func TestCompleteContextCancelDuringBackoff(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(int) (*llm.Response, error) {
		return nil, &llm.ProviderError{Kind: llm.KindTransient, Provider: "openai", Message: "down"}
	}}
	cfg := fastRetry()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := engine.Complete(ctx, "tenant-a", "", chatReq())
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "backoff sleep must be interruptible")
	assert.Equal(t, 1, provider.calls)
}

func TestStreamRetriesEstablishmentOnly(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(call int) (*llm.Response, error) {
		if call == 1 {
			return nil, &llm.ProviderError{Kind: llm.KindTransient, Provider: "openai", Message: "connect reset"}
		}
		return &llm.Response{}, nil
	}}
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, fastRetry())

	stream, err := engine.Stream(context.Background(), "tenant-a", "", chatReq())
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, 2, provider.calls)
}

func TestEmbedRetries(t *testing.T) {
	provider := &stubProvider{name: "openai", complete: func(call int) (*llm.Response, error) {
		if call == 1 {
			return nil, &llm.ProviderError{Kind: llm.KindTransient, Provider: "openai", Message: "flaky"}
		}
		return &llm.Response{}, nil
	}}
	engine := New(&stubResolver{creds: openAICreds()}, &stubRegistry{provider: provider}, fastRetry())

	resp, err := engine.Embed(context.Background(), "tenant-a", "", &llm.EmbedRequest{Model: "gpt-4o", Input: []string{"x"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 1)
	assert.Equal(t, 2, provider.calls)
}

func TestBackoffBounds(t *testing.T) {
	engine := New(nil, nil, DefaultRetryConfig())
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := engine.backoff(attempt)
			assert.GreaterOrEqual(t, d, 1*time.Second, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 20*time.Second, "attempt %d", attempt)
		}
	}
}

func TestRetryConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	bad := DefaultRetryConfig()
	bad.MaxAttempts = 0
	require.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.MaxBackoff = bad.InitialBackoff - time.Second
	require.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.BackoffFactor = 0.5
	require.Error(t, bad.Validate())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&llm.ProviderError{Kind: llm.KindTransient}))
	assert.True(t, retryable(&llm.ProviderError{Kind: llm.KindAuth}))
	assert.True(t, retryable(&llm.ProviderError{Kind: llm.KindRateLimit}))
	assert.False(t, retryable(&llm.ProviderError{Kind: llm.KindBadRequest}))
	assert.False(t, retryable(errors.New("plain error")))
	assert.False(t, retryable(context.DeadlineExceeded))
}
