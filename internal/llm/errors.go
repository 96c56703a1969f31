package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind is the uniform classification of provider failures. The dispatch
// engine retries based on kind, never on provider-specific exception types.
type ErrorKind string

const (
	// KindAuth covers 401/403 responses. Retryable: identity-provider
	// hiccups behind the gateway can be transient.
	KindAuth ErrorKind = "provider_auth"
	// KindRateLimit covers 429 responses. Retryable with backoff.
	KindRateLimit ErrorKind = "provider_rate_limit"
	// KindBadRequest covers other 4xx client errors. Never retryable.
	KindBadRequest ErrorKind = "provider_bad_request"
	// KindTransient covers 5xx, timeouts, and connection failures. Retryable.
	KindTransient ErrorKind = "provider_transient"
)

// ProviderError is the normalized provider failure. Message never contains
// secret material.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether the dispatch engine may retry this failure.
func (e *ProviderError) Retryable() bool {
	return e.Kind != KindBadRequest
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindTransient
	}
}

// newHTTPError builds a ProviderError from a raw HTTP status and body excerpt.
func newHTTPError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Kind:       classifyStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    message,
	}
}

// wrapTransportError normalizes a raw transport failure (connection refused,
// DNS, timeout) from a hand-rolled HTTP adapter. Context cancellation passes
// through unwrapped.
func wrapTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Kind: KindTransient, Provider: provider, Message: err.Error()}
}

// wrapOpenAIError normalizes errors from the go-openai client (used by the
// openai, azure, and vllm adapters). Context cancellation passes through
// unwrapped so callers can distinguish caller aborts from provider failures.
func wrapOpenAIError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newHTTPError(provider, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newHTTPError(provider, reqErr.HTTPStatusCode, reqErr.Error())
	}

	// Connection failures, DNS errors, unexpected EOFs: transient.
	return &ProviderError{Kind: KindTransient, Provider: provider, Message: err.Error()}
}
