// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _SECRET_FILE suffix variables and inject the
//     resolved values back into the environment.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator, then the
//     cross-section rules.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretFileSuffix identifies secret pointer variables. For example,
// DATABASE_URL_SECRET_FILE=/run/secrets/db_url fills DATABASE_URL.
const secretFileSuffix = "_SECRET_FILE"

// envLookup is a function type for looking up environment variables.
// It matches the signature of os.LookupEnv and allows injection for testing.
type envLookup func(key string) (string, bool)

// envSet is a function type for setting environment variables.
// It matches the signature of os.Setenv and allows injection for testing.
type envSet func(key, value string) error

// environ is a function type for listing all environment variables.
// It matches the signature of os.Environ and allows injection for testing.
type environ func() []string

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without mutating global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

// defaultDeps returns the standard OS-backed dependencies.
func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the notifier configuration.
//
// provider resolves *_SECRET_FILE references. It may be nil when no such
// variables are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv does NOT override variables already set in the process.
	_ = godotenv.Load()

	if err := resolveSecretFiles(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := cfg.validateSources(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateSources enforces rules that span sections.
func (c *Config) validateSources() error {
	if c.Preferences.Source == SourcePostgres && !c.Database.URL.IsSet() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "DATABASE_URL is required when PREFERENCES_SOURCE=postgres",
		}
	}
	if c.Database.RecordDeliveries && !c.Database.URL.IsSet() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "DATABASE_URL is required when DB_RECORD_DELIVERIES=true",
		}
	}
	if c.Environment != "local" && !c.Security.IngestTokenHash.IsSet() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "INGEST_TOKEN_HASH is required outside local",
		}
	}
	return nil
}

// ResolveSecrets performs the secret file step in isolation. Entry points
// that only read a few variables (the worker) call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	return resolveSecretFiles(provider, defaultDeps())
}

// resolveSecretFiles scans the environment for variables ending in
// _SECRET_FILE, reads the referenced values via the provider and sets the
// target variable. A target that is already set wins.
func resolveSecretFiles(provider SecretProvider, deps loaderDeps) error {
	type secretBinding struct {
		targetEnvVar string // e.g., DATABASE_URL
		ref          string // e.g., /run/secrets/db_url
	}

	var bindings []secretBinding
	for _, envEntry := range deps.environ() {
		eqIdx := strings.IndexByte(envEntry, '=')
		if eqIdx < 0 {
			continue
		}
		key := envEntry[:eqIdx]
		if !strings.HasSuffix(key, secretFileSuffix) {
			continue
		}

		targetEnvVar := strings.TrimSuffix(key, secretFileSuffix)
		if _, exists := deps.lookupEnv(targetEnvVar); exists {
			continue
		}

		ref := envEntry[eqIdx+1:]
		if ref == "" {
			continue
		}
		bindings = append(bindings, secretBinding{targetEnvVar: targetEnvVar, ref: ref})
	}

	if len(bindings) == 0 {
		return nil
	}

	if provider == nil {
		targetVars := make([]string, 0, len(bindings))
		for _, b := range bindings {
			targetVars = append(targetVars, b.targetEnvVar)
		}
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("SecretProvider is required to resolve: %s", strings.Join(targetVars, ", ")),
		}
	}

	refs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		refs = append(refs, b.ref)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secrets", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for _, b := range bindings {
		value, ok := resolved[b.ref]
		if !ok {
			missing = append(missing, b.targetEnvVar)
			continue
		}
		if err := deps.setEnv(b.targetEnvVar, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", b.targetEnvVar),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secrets not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
