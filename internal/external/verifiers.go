package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"

	"planforge/internal/types"
)

// Compile-time interface checks.
var (
	_ WebhookVerifier = HMACVerifier{}
	_ WebhookVerifier = StripeVerifier{}
)

// NewWebhookVerifier returns the verifier for a configured scheme name
// ("hmac" or "stripe"). Unknown names fall back to HMAC.
func NewWebhookVerifier(scheme string) WebhookVerifier {
	if scheme == "stripe" {
		return StripeVerifier{}
	}
	return HMACVerifier{}
}

// ---------------------------------------------------------------------------
// HMAC-SHA256 over the raw body
// ---------------------------------------------------------------------------

// HMACVerifier checks an HMAC-SHA256 of the raw body. The header may carry
// several space-separated tokens, each optionally prefixed with a version tag
// ("v1,<sig>" or "v1=<sig>"), and each token may be hex or base64. Any
// matching token authenticates the request.
type HMACVerifier struct{}

// Verify implements WebhookVerifier. It fails closed on a missing secret, a
// missing header and a mismatch.
func (HMACVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return types.NewAppError(types.ErrCodeAuthSecretMissing, "webhook secret is not configured", nil)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing, "webhook signature is missing", nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, token := range strings.Fields(header) {
		sig, ok := decodeSignature(stripVersion(token))
		if ok && hmac.Equal(sig, expected) {
			return nil
		}
	}
	return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature does not match", nil)
}

// SignHMAC returns the hex HMAC-SHA256 of payload. Used by tests and tools
// that replay events.
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func stripVersion(token string) string {
	if i := strings.IndexAny(token, ",="); i > 0 && i < 4 && token[0] == 'v' {
		return token[i+1:]
	}
	return token
}

// decodeSignature accepts a 64-char hex or a standard/URL base64 digest.
func decodeSignature(s string) ([]byte, bool) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == sha256.Size {
			return b, true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Stripe-format (t=...,v1=...) signatures
// ---------------------------------------------------------------------------

// StripeVerifier validates Stripe-Signature headers, including the
// timestamp tolerance.
type StripeVerifier struct{}

// Verify implements WebhookVerifier.
func (StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return types.NewAppError(types.ErrCodeAuthSecretMissing, "webhook secret is not configured", nil)
	}
	if strings.TrimSpace(header) == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing, "webhook signature is missing", nil)
	}
	if err := webhook.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature does not match", err)
	}
	return nil
}
