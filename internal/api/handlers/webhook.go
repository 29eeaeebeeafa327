// Package handlers contains the HTTP handlers of the planforge API.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planforge/internal/billing"
	"planforge/internal/core"
	"planforge/internal/external"
	"planforge/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads.
const maxWebhookBodySize = 256 * 1024

// Signature headers per scheme.
const (
	headerWebhookSignature = "webhook-signature"
	headerWebhookID        = "webhook-id"
	headerStripeSignature  = "Stripe-Signature"
)

// EventProcessor applies verified payment events.
type EventProcessor interface {
	HandleEvent(ctx context.Context, evt *types.PaymentEvent) (billing.Result, error)
}

// PaymentWebhookHandler receives provider events. It is not behind any auth
// middleware; the body signature is the only authentication.
type PaymentWebhookHandler struct {
	processor EventProcessor
	verifier  external.WebhookVerifier
	secret    types.SecretString
	scheme    string
	logger    *slog.Logger
}

// NewPaymentWebhookHandler creates a PaymentWebhookHandler for the given
// signature scheme ("hmac" or "stripe").
func NewPaymentWebhookHandler(processor EventProcessor, verifier external.WebhookVerifier, secret types.SecretString, scheme string, logger *slog.Logger) *PaymentWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentWebhookHandler{
		processor: processor,
		verifier:  verifier,
		secret:    secret,
		scheme:    scheme,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint at the root router.
func (h *PaymentWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payments", h.Handle)
}

// Handle verifies the raw body before parsing it, then applies the event.
//
// Responses:
//   - 401 when the signature is missing or wrong; nothing is parsed
//   - 400 when a verified body is not an event
//   - 5xx for store or upstream failures so the provider redelivers
//   - 200 for everything else, including duplicates, unknown types,
//     unmatched records and reference conflicts, which redelivery cannot fix
func (h *PaymentWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidEvent, "failed to read request body", err))
		return
	}

	if err := h.verifier.Verify(payload, h.signatureHeader(r), h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		core.Error(w, r, err)
		return
	}

	evt, err := billing.ParseEvent(payload, r.Header.Get(headerWebhookID))
	if err != nil {
		h.logger.WarnContext(ctx, "unparsable webhook event", "error", err)
		core.Error(w, r, err)
		return
	}

	res, err := h.processor.HandleEvent(ctx, evt)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "webhook event processed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"outcome", res.Outcome,
		)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: string(res.Outcome)})
	case types.CodeOf(err).Retryable():
		h.logger.ErrorContext(ctx, "webhook event failed, provider will retry",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		core.Error(w, r, err)
	default:
		h.logger.WarnContext(ctx, "webhook event not applied",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"code", types.CodeOf(err),
			"error", err,
		)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: string(types.CodeOf(err))})
	}
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

func (h *PaymentWebhookHandler) signatureHeader(r *http.Request) string {
	if h.scheme == "stripe" {
		return r.Header.Get(headerStripeSignature)
	}
	return r.Header.Get(headerWebhookSignature)
}
