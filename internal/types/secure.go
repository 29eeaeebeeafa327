package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

// SecretString holds a credential (API key, webhook secret, DSN). It prints
// and marshals as a placeholder so config dumps and structured logs never
// carry the value. Unmask returns the plaintext for the few call sites that
// must hand it to a client or driver.
type SecretString string

// String implements fmt.Stringer.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON implements json.Marshaler.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// LogValue keeps slog from printing the raw value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether no secret was configured.
func (s SecretString) IsZero() bool {
	return s == ""
}
