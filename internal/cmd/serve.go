package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keyrail/keyrail/internal/cipher"
	"github.com/keyrail/keyrail/internal/config"
	"github.com/keyrail/keyrail/internal/dispatch"
	"github.com/keyrail/keyrail/internal/llm"
	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/server"
	"github.com/keyrail/keyrail/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the keyrail server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// buildStack wires config, cipher, store, resolver, and dispatch engine.
// The store (and cipher) are nil when tenant credentials are disabled; the
// resolver then serves the global fallback only.
func buildStack(cfg *config.Config) (*store.Store, *dispatch.Engine, error) {
	var st *store.Store
	var ciph *cipher.Cipher

	if cfg.CredentialsEnabled() {
		var err error
		ciph, err = cipher.New(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing cipher: %w", err)
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		st, err = store.New(cfg.CredentialsDBPath(), ciph)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing credential store: %w", err)
		}
	}

	res := resolver.New(st, ciph, cfg)
	engine := dispatch.New(res, llm.NewRegistry(), dispatch.DefaultRetryConfig())
	return st, engine, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Port = servePort
	}

	st, engine, err := buildStack(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("KEYRAIL_API_KEYS not set; all dispatch endpoints will return 401")
	}
	if len(cfg.AdminKeys) == 0 {
		log.Warn().Msg("KEYRAIL_ADMIN_KEYS not set; the credential admin API will return 401")
	}

	srv := server.NewServer(st, engine, cfg)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("tenant_credentials", st != nil).
		Bool("strict_tenant_mode", cfg.StrictTenantMode).
		Msg("keyrail_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
