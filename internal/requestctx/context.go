// Package requestctx carries request-scoped identity set by the server auth
// middleware: the tenant the API key mapped to, and a masked preview of the
// key itself for audit logging. Full keys never enter the context.
package requestctx

import "context"

type contextKey int

const (
	tenantIDKey contextKey = iota
	keyPreviewKey
)

// SetTenantID stores tenant_id in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant_id from context, or "" if not set.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// SetKeyPreview stores the masked API key preview in the context.
func SetKeyPreview(ctx context.Context, preview string) context.Context {
	return context.WithValue(ctx, keyPreviewKey, preview)
}

// KeyPreview returns the masked API key preview from context, or "" if unset.
func KeyPreview(ctx context.Context) string {
	v, _ := ctx.Value(keyPreviewKey).(string)
	return v
}

// MaskKey reduces an API key to a loggable preview: "...<last 4>". Keys of
// four characters or fewer mask entirely.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}
