package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrail/keyrail/internal/cipher"
	"github.com/keyrail/keyrail/internal/config"
	"github.com/keyrail/keyrail/internal/store"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage encrypted tenant provider credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set [tenant] [provider] [field=value ...]",
	Short: "Store credentials for a tenant and provider (encrypted at rest)",
	Args:  cobra.MinimumNArgs(3),
	RunE:  credentialsSet,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list [tenant]",
	Short: "List configured providers for a tenant (masked, values not shown)",
	Args:  cobra.ExactArgs(1),
	RunE:  credentialsList,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete [tenant] [provider]",
	Short: "Delete stored credentials for a tenant and provider",
	Args:  cobra.ExactArgs(2),
	RunE:  credentialsDelete,
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func openCredentialStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.CredentialsEnabled() {
		return nil, errors.New("tenant credentials disabled; set TENANT_CREDENTIALS_ENABLED=true and ENCRYPTION_KEY")
	}
	ciph, err := cipher.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.New(cfg.CredentialsDBPath(), ciph)
}

func credentialsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	tenantID, provider := args[0], args[1]
	fields := make(map[string]string, len(args)-2)
	for _, pair := range args[2:] {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("field %q must be name=value", pair)
		}
		fields[name] = value
	}

	st, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credentials: %w", err)
	}
	defer st.Close()

	if err := st.Put(ctx, tenantID, provider, fields); err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("✗ Validation failed for provider '%s':\n", verr.Provider)
			for _, p := range verr.Problems {
				fmt.Printf("  - %s\n", p)
			}
			return errors.New("credentials not stored")
		}
		return fmt.Errorf("storing credentials: %w", err)
	}

	fmt.Printf("✓ Credentials for %s/%s stored (encrypted at rest)\n", tenantID, provider)
	return nil
}

func credentialsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	tenantID := args[0]

	st, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credentials: %w", err)
	}
	defer st.Close()

	summaries, err := st.List(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	if len(summaries) == 0 {
		fmt.Printf("No credentials stored for tenant '%s'.\n", tenantID)
		return nil
	}

	fmt.Printf("Credentials for tenant '%s' (masked, values not shown):\n", tenantID)
	for _, s := range summaries {
		fmt.Printf("  - %s: key %s, fields [%s], %s, set %s\n",
			s.Provider,
			s.MaskedKey,
			strings.Join(s.FieldsSet, ", "),
			s.EncryptionStatus,
			s.SetAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func credentialsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	tenantID, provider := args[0], args[1]

	st, err := openCredentialStore()
	if err != nil {
		return fmt.Errorf("initializing credentials: %w", err)
	}
	defer st.Close()

	deleted, err := st.Delete(ctx, tenantID, provider)
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	if !deleted {
		fmt.Printf("No credentials stored for %s/%s.\n", tenantID, provider)
		return nil
	}

	fmt.Printf("✓ Credentials for %s/%s deleted\n", tenantID, provider)
	return nil
}
