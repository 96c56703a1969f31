// Package schema defines the static per-provider credential field table:
// which fields a provider requires and which of those are sensitive
// (encrypted at rest, masked on read). Adding a provider means adding one
// entry here and one adapter in internal/llm; no other core changes.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Canonical credential field names.
const (
	FieldAPIKey         = "api_key"
	FieldEndpoint       = "endpoint"
	FieldAPIVersion     = "api_version"
	FieldDeploymentName = "deployment_name"
)

// MinSecretLen is the minimum accepted length for api_key-class fields.
const MinSecretLen = 8

// ErrUnknownProvider is returned for provider names with no schema entry.
var ErrUnknownProvider = errors.New("unknown provider")

// FieldSchema describes the credential fields of one provider.
type FieldSchema struct {
	Required  []string
	Sensitive []string
}

// providers is versioned with code, not runtime-mutable.
var providers = map[string]FieldSchema{
	"openai": {
		Required:  []string{FieldAPIKey},
		Sensitive: []string{FieldAPIKey},
	},
	"azure": {
		Required:  []string{FieldAPIKey, FieldEndpoint, FieldAPIVersion, FieldDeploymentName},
		Sensitive: []string{FieldAPIKey},
	},
	"anthropic": {
		Required:  []string{FieldAPIKey},
		Sensitive: []string{FieldAPIKey},
	},
	"vllm": {
		Required:  []string{FieldAPIKey, FieldEndpoint},
		Sensitive: []string{FieldAPIKey},
	},
	"ollama": {
		Required:  []string{FieldEndpoint},
		Sensitive: []string{},
	},
}

// Canonicalize lowercases and trims a provider name. Provider names are
// case-insensitive on input and stored lowercase.
func Canonicalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Lookup returns the field schema for a provider, or ErrUnknownProvider.
func Lookup(provider string) (FieldSchema, error) {
	fs, ok := providers[Canonicalize(provider)]
	if !ok {
		return FieldSchema{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return fs, nil
}

// Known reports whether the provider has a schema entry.
func Known(provider string) bool {
	_, ok := providers[Canonicalize(provider)]
	return ok
}

// Providers returns all known provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSensitive reports whether a field is encrypted at rest for the provider.
func (fs FieldSchema) IsSensitive(field string) bool {
	for _, f := range fs.Sensitive {
		if f == field {
			return true
		}
	}
	return false
}

// IsRequired reports whether a field must be present and non-empty.
func (fs FieldSchema) IsRequired(field string) bool {
	for _, f := range fs.Required {
		if f == field {
			return true
		}
	}
	return false
}

// Validate checks fields against the schema and returns every problem found,
// not just the first. A nil return means the field set is persistable.
func (fs FieldSchema) Validate(fields map[string]string) []string {
	var problems []string
	for _, name := range fs.Required {
		value := strings.TrimSpace(fields[name])
		switch {
		case value == "":
			problems = append(problems, fmt.Sprintf("%s is missing", name))
		case name == FieldAPIKey && len(value) < MinSecretLen:
			problems = append(problems, fmt.Sprintf("%s too short (minimum %d characters)", name, MinSecretLen))
		}
	}
	return problems
}
