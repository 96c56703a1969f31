package llm

import "net/http"

// PlaceholderKey is sent where a generic OpenAI-compatible client library
// expects "the official key" when the real secret travels in a custom header
// instead. Self-hosted gateways that are API-compatible with OpenAI but use
// non-standard auth plumbing reject empty keys, so a literal placeholder goes
// in the standard position.
const PlaceholderKey = "EMPTY"

// AuthMode selects how an adapter presents the secret to the provider.
type AuthMode int

const (
	// AuthBearer sends the key in the standard Authorization: Bearer slot.
	AuthBearer AuthMode = iota
	// AuthCustomHeader sends the key in a named header with a placeholder in
	// the standard position.
	AuthCustomHeader
)

// AuthStrategy is resolved once per adapter, not scattered through call sites.
type AuthStrategy struct {
	Mode   AuthMode
	Header string // header name when Mode is AuthCustomHeader
}

// headerTransport injects the real key into the custom auth header on every
// outgoing request.
type headerTransport struct {
	header string
	value  string
	base   http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone before mutating: RoundTrippers must not modify the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set(t.header, t.value)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
