// Package resolver decides which credential fields a provider call uses,
// enforcing strict tenant isolation.
//
// In strict multi-tenant mode a tenant without a usable credential record
// fails closed: the resolver never substitutes another tenant's or the
// operator's global credentials. In single-tenant/fallback mode the global
// environment configuration is used when no tenant record exists, but fields
// are never mixed across sources: a resolved credential is all-tenant or
// all-global.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyrail/keyrail/internal/cipher"
	"github.com/keyrail/keyrail/internal/config"
	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/schema"
	"github.com/keyrail/keyrail/internal/store"
)

var tracer = krotel.Tracer("github.com/keyrail/keyrail/internal/resolver")

// Source identifies where a resolved credential's fields came from.
type Source string

const (
	SourceTenant Source = "tenant"
	SourceGlobal Source = "global"
)

// ResolvedCredential is the ephemeral, decrypted field set for exactly one
// outbound provider call. It must not be retained past that call, cached, or
// written to any log sink in decrypted form.
type ResolvedCredential struct {
	Provider string
	Fields   map[string]string
	Source   Source
}

// Field returns a decrypted field value, or "".
func (rc *ResolvedCredential) Field(name string) string {
	return rc.Fields[name]
}

// APIKey returns the decrypted api_key field, or "".
func (rc *ResolvedCredential) APIKey() string {
	return rc.Fields[schema.FieldAPIKey]
}

// String renders a redacted form so an accidental %v never leaks a secret.
func (rc *ResolvedCredential) String() string {
	return fmt.Sprintf("resolved{provider=%s source=%s fields=%d}", rc.Provider, rc.Source, len(rc.Fields))
}

// NotConfiguredError means no usable credential exists for (tenant, provider)
// under the active isolation mode. Non-retryable: it is a configuration
// problem, not a transient one.
type NotConfiguredError struct {
	TenantID string
	Provider string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf(
		"no credentials configured for tenant %q and provider %q; set them via PUT /v1/tenants/%s/credentials/%s",
		e.TenantID, e.Provider, e.TenantID, e.Provider,
	)
}

// Resolver resolves decrypted credential field sets per dispatch. It holds no
// decrypted state between calls; every Resolve decrypts on demand.
type Resolver struct {
	store  *store.Store
	cipher *cipher.Cipher
	cfg    *config.Config
}

// New builds a resolver. store may be nil when tenant credentials are
// disabled entirely; resolution then always uses the global fallback (and
// strict mode cannot be enabled without a store).
func New(s *store.Store, c *cipher.Cipher, cfg *config.Config) *Resolver {
	return &Resolver{store: s, cipher: c, cfg: cfg}
}

// Resolve returns the decrypted credential fields for one outbound call to
// (tenantID, provider). model, when non-empty, participates in the endpoint
// priority chain (tenant field, then model-level override, then global) for
// the global source. The result is valid for the duration of a single
// provider call only.
func (r *Resolver) Resolve(ctx context.Context, tenantID, provider, model string) (*ResolvedCredential, error) {
	provider = schema.Canonicalize(provider)
	ctx, span := tracer.Start(ctx, "credentials.resolve",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", provider),
		))
	defer span.End()

	fs, err := schema.Lookup(provider)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if r.store != nil {
		resolved, usable, err := r.resolveTenant(ctx, tenantID, provider, fs)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if usable {
			span.SetAttributes(attribute.String("credentials.source", string(SourceTenant)))
			return resolved, nil
		}
	}

	// Strict multi-tenant mode: an unconfigured or misconfigured tenant must
	// not silently start using shared credentials.
	if r.cfg.StrictTenantMode {
		err := &NotConfiguredError{TenantID: tenantID, Provider: provider}
		span.RecordError(err)
		return nil, err
	}

	resolved, ok := r.resolveGlobal(provider, model, fs)
	if !ok {
		err := &NotConfiguredError{TenantID: tenantID, Provider: provider}
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("credentials.source", string(SourceGlobal)))
	return resolved, nil
}

// resolveTenant loads and decrypts the tenant record. usable is false when
// the record is absent, fails validation, or cannot be decrypted; all of
// which defer to the strict/fallback policy. A decryption failure is logged
// distinctly: it signals corruption or key rotation, not an unconfigured
// tenant. Context cancellation aborts the lookup before any decryption.
func (r *Resolver) resolveTenant(ctx context.Context, tenantID, provider string, fs schema.FieldSchema) (*ResolvedCredential, bool, error) {
	rec, found, err := r.store.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	fields := make(map[string]string, len(rec.Fields))
	for name, value := range rec.Fields {
		if !fs.IsSensitive(name) {
			fields[name] = value
			continue
		}
		plaintext, err := r.cipher.Decrypt(value)
		if err != nil {
			if errors.Is(err, cipher.ErrDecryptFailed) {
				log.Error().
					Str("tenant_id", tenantID).
					Str("provider", provider).
					Str("field", name).
					Func(krotel.LogTraceFields(ctx)).
					Msg("stored credential could not be decrypted; check for key rotation or data corruption")
				return nil, false, nil
			}
			return nil, false, err
		}
		fields[name] = plaintext
	}

	// A record failing validation after decryption is treated as absent,
	// never used as partial credentials.
	if problems := fs.Validate(fields); len(problems) > 0 {
		log.Warn().
			Str("tenant_id", tenantID).
			Str("provider", provider).
			Strs("problems", problems).
			Msg("stored credential record is invalid; treating as unconfigured")
		return nil, false, nil
	}

	return &ResolvedCredential{Provider: provider, Fields: fields, Source: SourceTenant}, true, nil
}

// resolveGlobal assembles the global fallback field set. The model-level
// endpoint override outranks the global env endpoint within this source;
// tenant fields never mix in. ok is false unless every required field is
// present; partial global configuration is as unusable as none.
func (r *Resolver) resolveGlobal(provider, model string, fs schema.FieldSchema) (*ResolvedCredential, bool) {
	fields := maps.Clone(r.cfg.GlobalFields(provider))
	if fields == nil {
		fields = make(map[string]string)
	}
	if model != "" && fs.IsRequired(schema.FieldEndpoint) {
		if override := r.cfg.ModelEndpoint(model); override != "" {
			fields[schema.FieldEndpoint] = override
		}
	}

	if problems := fs.Validate(fields); len(problems) > 0 {
		return nil, false
	}
	return &ResolvedCredential{Provider: provider, Fields: fields, Source: SourceGlobal}, true
}
