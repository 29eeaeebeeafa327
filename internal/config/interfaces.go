package config

import "context"

// SecretProvider resolves secret values by key. The production implementation
// reads SSM Parameter Store; local development reads the environment.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it resolved.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
