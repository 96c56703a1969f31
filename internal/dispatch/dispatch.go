// Package dispatch runs outbound provider calls: per-call credential
// resolution, the provider invocation, and bounded retries for transient
// failures. Credentials are resolved fresh for every attempt and never cached
// between dispatches, so a rotated or newly configured credential takes
// effect on the next call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyrail/keyrail/internal/llm"
	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/resolver"
)

var tracer = krotel.Tracer("github.com/keyrail/keyrail/internal/dispatch")

// CredentialResolver yields the decrypted field set for one outbound call.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, provider, model string) (*resolver.ResolvedCredential, error)
}

// ProviderRegistry returns the adapter for a provider name.
type ProviderRegistry interface {
	ForProvider(name string) (llm.Provider, error)
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// BackoffFactor is the exponential multiplier.
	BackoffFactor float64
}

// DefaultRetryConfig returns the production retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     20 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff_factor must be >= 1.0, got %f", c.BackoffFactor)
	}
	return nil
}

// Engine dispatches normalized requests to provider adapters.
type Engine struct {
	resolver CredentialResolver
	registry ProviderRegistry
	retry    RetryConfig
}

// New builds a dispatch engine.
func New(r CredentialResolver, reg ProviderRegistry, retry RetryConfig) *Engine {
	return &Engine{resolver: r, registry: reg, retry: retry}
}

// selectProvider applies the explicit override or infers from the model name.
func (e *Engine) selectProvider(providerOverride, model string) (string, error) {
	if providerOverride != "" {
		return providerOverride, nil
	}
	return llm.InferProvider(model)
}

// Complete dispatches a chat completion with retries. Only normalized
// provider failures marked retryable are retried; credential resolution
// failures surface immediately so a misconfigured tenant gets a fast,
// actionable error instead of a timed-out retry cycle.
func (e *Engine) Complete(ctx context.Context, tenantID, providerOverride string, req *llm.Request) (*llm.Response, error) {
	providerName, err := e.selectProvider(providerOverride, req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := e.registry.ForProvider(providerName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "dispatch.complete",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", req.Model),
		))
	defer span.End()

	var resp *llm.Response
	var source resolver.Source
	start := time.Now()
	err = e.withRetries(ctx, tenantID, providerName, req.Model, func(ctx context.Context, creds *resolver.ResolvedCredential) error {
		source = creds.Source
		var callErr error
		resp, callErr = provider.Complete(ctx, creds, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	llm.RecordCallMetrics(ctx, time.Since(start), providerName, req.Model, string(source), resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// Stream dispatches a streaming completion. Retries cover stream
// establishment only; once the provider has started producing chunks the
// stream is handed to the caller and a mid-stream failure surfaces through
// Recv without replay.
func (e *Engine) Stream(ctx context.Context, tenantID, providerOverride string, req *llm.Request) (llm.Stream, error) {
	providerName, err := e.selectProvider(providerOverride, req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := e.registry.ForProvider(providerName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "dispatch.stream",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", req.Model),
		))
	defer span.End()

	var stream llm.Stream
	err = e.withRetries(ctx, tenantID, providerName, req.Model, func(ctx context.Context, creds *resolver.ResolvedCredential) error {
		var callErr error
		stream, callErr = provider.Stream(ctx, creds, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return stream, nil
}

// Embed dispatches an embedding request with retries.
func (e *Engine) Embed(ctx context.Context, tenantID, providerOverride string, req *llm.EmbedRequest) (*llm.EmbedResponse, error) {
	providerName, err := e.selectProvider(providerOverride, req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := e.registry.ForProvider(providerName)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "dispatch.embed",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", req.Model),
		))
	defer span.End()

	var resp *llm.EmbedResponse
	var source resolver.Source
	start := time.Now()
	err = e.withRetries(ctx, tenantID, providerName, req.Model, func(ctx context.Context, creds *resolver.ResolvedCredential) error {
		source = creds.Source
		var callErr error
		resp, callErr = provider.Embed(ctx, creds, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	llm.RecordCallMetrics(ctx, time.Since(start), providerName, req.Model, string(source), resp.InputTokens, 0)
	return resp, nil
}

// withRetries runs one provider call with bounded retries. Credentials are
// re-resolved before every attempt so a credential fixed mid-cycle is picked
// up without waiting out the remaining backoff budget. Resolution errors are
// returned immediately, never retried.
func (e *Engine) withRetries(ctx context.Context, tenantID, providerName, model string, fn func(context.Context, *resolver.ResolvedCredential) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		creds, err := e.resolver.Resolve(ctx, tenantID, providerName, model)
		if err != nil {
			return err
		}

		lastErr = fn(ctx, creds)
		if lastErr == nil {
			return nil
		}

		if attempt >= e.retry.MaxAttempts || !retryable(lastErr) {
			return lastErr
		}

		delay := e.backoff(attempt)
		log.Warn().
			Str("tenant_id", tenantID).
			Str("provider", providerName).
			Str("model", model).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(lastErr).
			Func(krotel.LogTraceFields(ctx)).
			Msg("provider call failed; retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// retryable reports whether the dispatch loop may try again. Only normalized
// provider failures carry a retry classification; anything else (context
// errors, adapter capability errors) fails the dispatch on the spot.
func retryable(err error) bool {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false
}

// backoff computes a randomized exponential delay for the given attempt.
// The random factor spreads simultaneous retries from many tenants so a
// provider recovering from an outage is not hit by a synchronized wave.
func (e *Engine) backoff(attempt int) time.Duration {
	base := float64(e.retry.InitialBackoff)
	for i := 1; i < attempt; i++ {
		base *= e.retry.BackoffFactor
	}
	if base > float64(e.retry.MaxBackoff) {
		base = float64(e.retry.MaxBackoff)
	}

	// Jitter in [base/2, base], then clamp to the configured bounds.
	delay := time.Duration(base/2 + rand.Float64()*base/2)
	if delay < e.retry.InitialBackoff {
		delay = e.retry.InitialBackoff
	}
	if delay > e.retry.MaxBackoff {
		delay = e.retry.MaxBackoff
	}
	return delay
}
