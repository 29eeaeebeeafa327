package main

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of checking one operator input.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is the subset of *http.Client used for key probes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector dials Postgres with pgx.
type PgxConnector struct{}

// Connect implements DatabaseConnector.
func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator checks bootstrap inputs, probing the providers where a key can
// be verified without side effects.
type Validator struct {
	httpClient  HTTPClient
	dbConn      DatabaseConnector
	paymentsURL string
	identityURL string
}

// NewValidator creates a Validator with live dependencies.
func NewValidator(paymentsURL, identityURL string) *Validator {
	return NewValidatorWithDeps(&http.Client{Timeout: 10 * time.Second}, PgxConnector{}, paymentsURL, identityURL)
}

// NewValidatorWithDeps creates a Validator with injected dependencies. A nil
// httpClient or dbConn skips the corresponding active probe.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector, paymentsURL, identityURL string) *Validator {
	return &Validator{
		httpClient:  httpClient,
		dbConn:      dbConn,
		paymentsURL: strings.TrimSuffix(paymentsURL, "/"),
		identityURL: strings.TrimSuffix(identityURL, "/"),
	}
}

const validateTimeout = 15 * time.Second

// ValidateDatabaseURL parses a Postgres DSN with pgx and, when a connector
// is configured, dials it.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, dsn string) ValidationResult {
	dsn = strings.TrimSpace(dsn)
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return ValidationResult{Message: "expected a postgres:// or postgresql:// URL"}
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid database URL: %v", err)}
	}
	if v.dbConn == nil {
		return ValidationResult{Valid: true, Message: fmt.Sprintf("database URL parsed (host=%s)", cfg.Host)}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(connCtx, dsn); err != nil {
		return ValidationResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("database connection verified (host=%s)", cfg.Host)}
}

// ValidatePaymentsKey probes the payment provider's product listing.
func (v *Validator) ValidatePaymentsKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if len(key) < 16 {
		return ValidationResult{Message: "payments API key looks too short"}
	}
	return v.probe(ctx, "payments API key", v.paymentsURL+"/products?page_size=1", key)
}

var identityKeyRegex = regexp.MustCompile(`^sk_(test|live)_[0-9a-zA-Z]{20,}$`)

// ValidateIdentityKey checks the key format and probes the user listing.
func (v *Validator) ValidateIdentityKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !identityKeyRegex.MatchString(key) {
		return ValidationResult{Message: "identity API key must match sk_(test|live)_[alphanumeric 20+ chars]"}
	}
	return v.probe(ctx, "identity API key", v.identityURL+"/users?limit=1", key)
}

var webhookSecretRegex = regexp.MustCompile(`^(whsec_)?[0-9A-Za-z+/=_-]{24,}$`)

// ValidateWebhookSecret checks the shape of a webhook signing secret.
func (v *Validator) ValidateWebhookSecret(_ context.Context, secret string) ValidationResult {
	if !webhookSecretRegex.MatchString(strings.TrimSpace(secret)) {
		return ValidationResult{Message: "webhook secret must be at least 24 characters, optionally prefixed with whsec_"}
	}
	return ValidationResult{Valid: true, Message: "webhook secret format validated"}
}

// ValidateRegex checks input against pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return ValidationResult{Message: fieldName + " must not be empty"}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
	}
	if !re.MatchString(input) {
		return ValidationResult{Message: fmt.Sprintf("%s does not match expected format (pattern: %s)", fieldName, pattern)}
	}
	return ValidationResult{Valid: true, Message: fieldName + " format validated"}
}

// probe issues an authenticated GET and accepts any 2xx.
func (v *Validator) probe(ctx context.Context, label, url, key string) ValidationResult {
	if v.httpClient == nil {
		return ValidationResult{Valid: true, Message: label + " format validated (probe skipped)"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("building probe request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("%s probe failed: %v", label, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ValidationResult{Message: fmt.Sprintf("%s was rejected (HTTP %d)", label, resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return ValidationResult{Message: fmt.Sprintf("%s probe returned HTTP %d", label, resp.StatusCode)}
	}
	return ValidationResult{Valid: true, Message: label + " verified"}
}
