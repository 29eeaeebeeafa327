// Package main applies the embedded database migrations and exits. It is run
// once per deploy before the API and reconciler roll out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"planforge/internal/config"
	"planforge/internal/db"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Getenv, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")
}

func run(ctx context.Context, getenv func(string) string, logger *slog.Logger) error {
	dbCfg, err := databaseConfig(getenv)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	return db.Migrate(ctx, pool, logger)
}

// databaseConfig builds a small pool config; migrations run on one
// connection.
func databaseConfig(getenv func(string) string) (config.DatabaseConfig, error) {
	cfg := config.DatabaseConfig{
		URL:      config.SecretString(getenv("DATABASE_URL")),
		MaxConns: 2,
		MinConns: 1,
	}
	if cfg.URL.IsZero() {
		return config.DatabaseConfig{}, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}
