// Package config holds OPERATOR-LEVEL configuration for a keyrail process.
//
// The boundary is:
//
//   - Operator config (this package): data directory, encryption key, strict
//     multi-tenant mode, server port, API key maps, model-level endpoint
//     overrides. Set via env vars or keyrail.config.yaml.
//
//   - Tenant credentials: per-tenant LLM API keys and endpoints. Stored ONLY
//     in the encrypted credential store (internal/store), managed via the
//     admin API or "keyrail credentials". Never read from env per tenant.
//
// Provider env vars such as OPENAI_API_KEY exist solely as the single-tenant
// global fallback; in strict multi-tenant mode they are never consulted for
// credential resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/keyrail/keyrail/internal/cryptoutil"
	"github.com/keyrail/keyrail/internal/schema"
)

// Viper keys. Keyrail's own settings map to env vars with the KEYRAIL_
// prefix and to fields in keyrail.config.yaml. The tenant-credential and
// provider-fallback vars are bound under their conventional unprefixed names
// (TENANT_CREDENTIALS_ENABLED, ENCRYPTION_KEY, OPENAI_API_KEY, ...).
const (
	KeyDataDir        = "data_dir"
	KeyPort           = "port"
	KeyAdminKeys      = "admin_keys"
	KeyAPIKeys        = "api_keys"
	KeyTenantRPS      = "tenant_rps"
	KeyModelEndpoints = "model_endpoints"

	// KeyModelEndpointsFile points at a YAML file mapping model name ->
	// endpoint URL, for deployments where the model fleet changes more often
	// than the service config.
	KeyModelEndpointsFile = "model_endpoints_file"

	keyStrictMode    = "tenant_credentials_enabled"
	keyEncryptionKey = "encryption_key"
)

// Defaults.
const (
	DefaultPort      = 8080
	DefaultTenantRPS = 10
	DefaultOllamaURL = "http://localhost:11434"
)

// Config holds resolved operator-level configuration for a keyrail process.
type Config struct {
	DataDir string // Base directory for all state (~/.keyrail)
	Port    int    // HTTP server port

	// StrictTenantMode selects strict multi-tenant credential isolation
	// (TENANT_CREDENTIALS_ENABLED=true): every tenant must supply its own
	// credentials and the global env fallback is never used.
	StrictTenantMode bool

	// EncryptionKey is the URL-safe-base64 32-byte key for credential
	// encryption at rest (ENCRYPTION_KEY). Validated at load time.
	EncryptionKey string

	// AdminKeys are super-admin API keys for the credential admin endpoints.
	AdminKeys []string

	// APIKeys maps dispatch API key -> tenant_id.
	APIKeys map[string]string

	// TenantRPS is the per-tenant request rate limit on dispatch routes.
	TenantRPS int

	// ModelEndpoints maps model name -> endpoint URL, the model-level
	// override in the endpoint resolution priority (tenant -> model ->
	// global). Typically set in keyrail.config.yaml for self-hosted
	// deployments.
	ModelEndpoints map[string]string
}

// InitViper wires env bindings and defaults into the global viper instance.
// Called from Load; safe to call repeatedly (tests reset viper between runs).
func InitViper() {
	viper.SetEnvPrefix("KEYRAIL")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPort, DefaultPort)
	viper.SetDefault(KeyTenantRPS, DefaultTenantRPS)

	// Tenant-credential vars carry no KEYRAIL_ prefix.
	_ = viper.BindEnv(keyStrictMode, "TENANT_CREDENTIALS_ENABLED")
	_ = viper.BindEnv(keyEncryptionKey, "ENCRYPTION_KEY")
}

// Load reads configuration from viper (env vars, config file, defaults) and
// returns a validated Config. It fails when strict multi-tenant mode is on
// and the encryption key is absent or malformed: a process must not start
// handling tenant credentials without working encryption.
func Load() (*Config, error) {
	InitViper()
	cfg := &Config{
		DataDir:          resolveDataDir(),
		Port:             viper.GetInt(KeyPort),
		StrictTenantMode: viper.GetBool(keyStrictMode),
		EncryptionKey:    viper.GetString(keyEncryptionKey),
		AdminKeys:        splitList(viper.GetString(KeyAdminKeys)),
		APIKeys:          ParseAPIKeys(viper.GetString(KeyAPIKeys)),
		TenantRPS:        viper.GetInt(KeyTenantRPS),
		ModelEndpoints:   viper.GetStringMapString(KeyModelEndpoints),
	}

	if path := viper.GetString(KeyModelEndpointsFile); path != "" {
		overrides, err := loadModelEndpointsFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading model endpoints file: %w", err)
		}
		if cfg.ModelEndpoints == nil {
			cfg.ModelEndpoints = make(map[string]string, len(overrides))
		}
		// File entries outrank inline config for the same model.
		for model, endpoint := range overrides {
			cfg.ModelEndpoints[model] = endpoint
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadModelEndpointsFile reads a YAML map of model name -> endpoint URL.
func loadModelEndpointsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	endpoints := make(map[string]string)
	if err := yaml.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return endpoints, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", c.Port)
	}
	if c.EncryptionKey != "" || c.StrictTenantMode {
		if _, err := cryptoutil.DecodeEncryptionKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	}
	return nil
}

// CredentialsEnabled reports whether tenant credential operations can run at
// all (an encryption key is configured).
func (c *Config) CredentialsEnabled() bool {
	return c.EncryptionKey != ""
}

// CredentialsDBPath returns the full path to the credentials SQLite database.
func (c *Config) CredentialsDBPath() string {
	return filepath.Join(c.DataDir, "credentials.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// ModelEndpoint returns the model-level endpoint override for a model, or "".
func (c *Config) ModelEndpoint(model string) string {
	return c.ModelEndpoints[model]
}

// GlobalFields returns the global (environment-supplied) credential field set
// for a provider, used only in single-tenant/fallback mode. The mapping
// mirrors the provider field schema; a field absent from the environment is
// absent from the map.
func (c *Config) GlobalFields(provider string) map[string]string {
	fields := make(map[string]string)
	put := func(field, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			fields[field] = v
		}
	}

	switch schema.Canonicalize(provider) {
	case "openai":
		put(schema.FieldAPIKey, "OPENAI_API_KEY")
	case "anthropic":
		put(schema.FieldAPIKey, "ANTHROPIC_API_KEY")
	case "vllm":
		put(schema.FieldAPIKey, "VLLM_API_KEY")
		put(schema.FieldEndpoint, "VLLM_MODEL_URL")
	case "azure":
		put(schema.FieldAPIKey, "AZURE_OPENAI_API_KEY")
		put(schema.FieldEndpoint, "AZURE_OPENAI_ENDPOINT")
		put(schema.FieldAPIVersion, "AZURE_OPENAI_API_VERSION")
		put(schema.FieldDeploymentName, "AZURE_OPENAI_DEPLOYMENT")
	case "ollama":
		put(schema.FieldEndpoint, "OLLAMA_BASE_URL")
		if fields[schema.FieldEndpoint] == "" {
			fields[schema.FieldEndpoint] = DefaultOllamaURL
		}
	}
	return fields
}

// ParseAPIKeys parses "key:tenant,key2:tenant2" into key -> tenant_id.
// An entry without a tenant maps to "default".
func ParseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

func splitList(env string) []string {
	var out []string
	for _, part := range strings.Split(env, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyrail"
	}
	return filepath.Join(home, ".keyrail")
}
