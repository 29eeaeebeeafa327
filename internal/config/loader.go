package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError wraps a loading failure with its category.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks a pointer variable: PAYMENTS_API_KEY_SSM_PARAM holds
// the SSM path whose value becomes PAYMENTS_API_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

const ssmResolveTimeout = 30 * time.Second

// env abstracts the process environment so tests do not mutate globals.
type env struct {
	lookup  func(string) (string, bool)
	set     func(string, string) error
	environ func() []string
}

func osEnv() env {
	return env{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads, resolves and validates the configuration.
//
// Order: force UTC, read .env (optional, never overrides), resolve
// *_SSM_PARAM pointers outside local, process envconfig tags, attach build
// info, validate. provider may be nil when APP_ENV=local.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfig(provider, osEnv())
}

func loadConfig(provider SecretProvider, e env) (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	if appEnv, _ := e.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, e); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return &cfg, nil
}

// ResolveSecrets runs only the SSM step. Lambda entry points that read a
// handful of variables directly call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, osEnv())
}

// resolveSSMParams fetches every *_SSM_PARAM target that is not already set
// and exports the plaintext under the target name.
func resolveSSMParams(provider SecretProvider, e env) error {
	targets := make(map[string]string) // ssm path -> env var
	for _, entry := range e.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := e.lookup(target); set {
			continue
		}
		targets[path] = target
	}
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for p := range targets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required outside local (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, targets[p])
			continue
		}
		if err := e.set(targets[p], value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to export " + targets[p], Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
