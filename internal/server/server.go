// Package server provides the HTTP API: the credential admin surface and the
// dispatch endpoints for chat completions and embeddings.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyrail/keyrail/internal/config"
	"github.com/keyrail/keyrail/internal/dispatch"
	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/store"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	store       *store.Store
	engine      *dispatch.Engine
	cfg         *config.Config
	limiters    *tenantLimiters
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server. store may be nil when tenant credentials are
// disabled; the admin surface then returns 503 and dispatch uses the global
// fallback only.
func NewServer(st *store.Store, engine *dispatch.Engine, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       st,
		engine:      engine,
		cfg:         cfg,
		limiters:    newTenantLimiters(cfg.TenantRPS),
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Dispatch routes carry no
// request timeout so the per-call deadline inside the adapters governs;
// admin routes get the default 60s timeout.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(krotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Credential admin surface: super-admin keys only. Tenant API keys must
	// not reach another tenant's secrets, so this group has its own auth.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(s.cfg.AdminKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Route("/v1/tenants/{tenant_id}/credentials", func(r chi.Router) {
			r.Get("/", s.handleCredentialsList)
			r.Put("/{provider}", s.handleCredentialsPut)
			r.Get("/{provider}", s.handleCredentialsGet)
			r.Delete("/{provider}", s.handleCredentialsDelete)
		})
	})

	// Dispatch surface: tenant API keys, per-tenant rate limiting. No
	// request timeout here (streams can outlive 60s).
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKeys))
		r.Use(RateLimitMiddleware(s.limiters))

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
	})

	return r
}
