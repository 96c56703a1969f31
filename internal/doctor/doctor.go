// Package doctor provides health checks for keyrail configuration and
// runtime. Used by `keyrail doctor` before enabling strict tenant mode in
// production.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/keyrail/keyrail/internal/cipher"
	"github.com/keyrail/keyrail/internal/config"
	"github.com/keyrail/keyrail/internal/schema"
	"github.com/keyrail/keyrail/internal/store"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which check categories to run.
type Options struct {
	SkipUpstream bool // Skip endpoint connectivity checks (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	report.Checks = append(report.Checks, checkConfig()...)
	if !opts.SkipUpstream {
		report.Checks = append(report.Checks, checkEndpoints(ctx)...)
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkConfig() []CheckResult {
	var results []CheckResult

	cfg, err := config.Load()
	if err != nil {
		return []CheckResult{{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check KEYRAIL_DATA_DIR, ENCRYPTION_KEY, and config file",
		}}
	}

	results = append(results, checkEncryptionKey(cfg))
	results = append(results, checkDataDir(cfg))
	results = append(results, checkCredentialsDB(cfg))
	results = append(results, checkAuthKeys(cfg)...)
	results = append(results, checkGlobalFallback(cfg))
	return results
}

func checkEncryptionKey(cfg *config.Config) CheckResult {
	if !cfg.CredentialsEnabled() {
		return CheckResult{
			Name: "encryption_key", Category: "config", Status: "warn",
			Message: "Tenant credentials disabled; all tenants share global env credentials",
			Fix:     "Set TENANT_CREDENTIALS_ENABLED=true and ENCRYPTION_KEY for per-tenant isolation",
		}
	}
	if _, err := cipher.New(cfg.EncryptionKey); err != nil {
		return CheckResult{
			Name: "encryption_key", Category: "config", Status: "fail",
			Message: fmt.Sprintf("ENCRYPTION_KEY unusable: %v", err),
			Fix:     "Set ENCRYPTION_KEY to URL-safe base64 of 32 random bytes",
		}
	}
	return CheckResult{
		Name: "encryption_key", Category: "config", Status: "pass",
		Message: "AES-256-GCM key configured",
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s: %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable: %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkCredentialsDB(cfg *config.Config) CheckResult {
	if !cfg.CredentialsEnabled() {
		return CheckResult{
			Name: "credentials_db", Category: "config", Status: "warn",
			Message: "Skipped (tenant credentials disabled)",
		}
	}
	ciph, err := cipher.New(cfg.EncryptionKey)
	if err != nil {
		return CheckResult{
			Name: "credentials_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cipher unusable: %v", err),
		}
	}
	st, err := store.New(cfg.CredentialsDBPath(), ciph)
	if err != nil {
		return CheckResult{
			Name: "credentials_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = st.Close()
	return CheckResult{
		Name: "credentials_db", Category: "config", Status: "pass",
		Message: cfg.CredentialsDBPath(),
	}
}

func checkAuthKeys(cfg *config.Config) []CheckResult {
	var results []CheckResult
	if len(cfg.APIKeys) == 0 {
		results = append(results, CheckResult{
			Name: "api_keys", Category: "config", Status: "warn",
			Message: "No tenant API keys configured; dispatch endpoints will return 401",
			Fix:     "Set KEYRAIL_API_KEYS (key:tenant_id, comma-separated)",
		})
	} else {
		results = append(results, CheckResult{
			Name: "api_keys", Category: "config", Status: "pass",
			Message: fmt.Sprintf("%d tenant key(s)", len(cfg.APIKeys)),
		})
	}
	if len(cfg.AdminKeys) == 0 {
		results = append(results, CheckResult{
			Name: "admin_keys", Category: "config", Status: "warn",
			Message: "No admin keys configured; credential admin API will return 401",
			Fix:     "Set KEYRAIL_ADMIN_KEYS",
		})
	} else {
		results = append(results, CheckResult{
			Name: "admin_keys", Category: "config", Status: "pass",
			Message: fmt.Sprintf("%d admin key(s)", len(cfg.AdminKeys)),
		})
	}
	return results
}

// checkGlobalFallback reports which providers are dispatchable without
// tenant records. In strict mode the fallback is never used, so absence is
// informational only.
func checkGlobalFallback(cfg *config.Config) CheckResult {
	var configured []string
	for _, provider := range schema.Providers() {
		fs, err := schema.Lookup(provider)
		if err != nil {
			continue
		}
		if len(fs.Validate(cfg.GlobalFields(provider))) == 0 {
			configured = append(configured, provider)
		}
	}
	if len(configured) == 0 {
		if cfg.StrictTenantMode {
			return CheckResult{
				Name: "global_fallback", Category: "config", Status: "pass",
				Message: "None configured (strict mode never uses the fallback)",
			}
		}
		return CheckResult{
			Name: "global_fallback", Category: "config", Status: "warn",
			Message: "No global provider credentials; tenants without records cannot dispatch",
			Fix:     "Set OPENAI_API_KEY, ANTHROPIC_API_KEY, or provider-specific env vars",
		}
	}
	return CheckResult{
		Name: "global_fallback", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%v (env)", configured),
	}
}

// checkEndpoints probes the locally reachable provider endpoints from the
// global configuration. Hosted APIs are not probed: a HEAD to them proves
// nothing without a key and burns rate limit.
func checkEndpoints(ctx context.Context) []CheckResult {
	cfg, err := config.Load()
	if err != nil {
		return nil
	}

	var results []CheckResult
	client := &http.Client{Timeout: 5 * time.Second}
	for _, provider := range []string{"vllm", "ollama"} {
		endpoint := cfg.GlobalFields(provider)[schema.FieldEndpoint]
		if endpoint == "" {
			continue
		}
		results = append(results, checkEndpoint(ctx, client, provider, endpoint))
	}
	return results
}

func checkEndpoint(ctx context.Context, client *http.Client, name, baseURL string) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return CheckResult{
			Name: "endpoint_" + name, Category: "upstream", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
		}
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: "endpoint_" + name, Category: "upstream", Status: "warn",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the configured endpoint",
		}
	}
	resp.Body.Close()
	return CheckResult{
		Name: "endpoint_" + name, Category: "upstream", Status: "pass",
		Message: fmt.Sprintf("%s (%dms)", baseURL, latency.Milliseconds()),
	}
}
