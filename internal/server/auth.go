package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/keyrail/keyrail/internal/requestctx"
)

// AuthMiddleware validates X-Keyrail-Key or Authorization: Bearer <key>
// against the tenant key map and sets tenant_id in context. apiKeys maps
// key -> tenant_id. Comparison is constant time so timing cannot narrow the
// key space.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var tenantID string
			for k, t := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					tenantID = t
					break
				}
			}
			if tenantID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			ctx := requestctx.SetTenantID(r.Context(), tenantID)
			ctx = requestctx.SetKeyPreview(ctx, requestctx.MaskKey(key))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware validates the caller against the super-admin key list.
// Credential admin operations are never reachable with a tenant API key.
func AdminAuthMiddleware(adminKeys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerKey(r)
			if key == "" || len(adminKeys) == 0 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing admin key")
				return
			}
			for _, k := range adminKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing admin key")
		})
	}
}

func bearerKey(r *http.Request) string {
	if key := r.Header.Get("X-Keyrail-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// tenantLimiters holds one token bucket per tenant.
type tenantLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      int
}

func newTenantLimiters(rps int) *tenantLimiters {
	return &tenantLimiters{limiters: make(map[string]*rate.Limiter), rps: rps}
}

func (t *tenantLimiters) limiter(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.rps), t.rps*2)
		t.limiters[tenantID] = l
	}
	return l
}

// RateLimitMiddleware enforces the per-tenant request rate and returns 429
// with Retry-After when exceeded. A zero or negative rps disables limiting.
func RateLimitMiddleware(limiters *tenantLimiters) func(http.Handler) http.Handler {
	if limiters == nil || limiters.rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := requestctx.TenantID(r.Context())
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !limiters.limiter(tenantID).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Request rate limit exceeded for tenant")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware sets CORS headers. allowedOrigins can be ["*"] for any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Keyrail-Key")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
