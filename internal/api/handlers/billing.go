package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planforge/internal/core"
	"planforge/internal/types"
)

// --- Service Interfaces ---

// CheckoutStarter starts plan purchases.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, userID string, plan types.PlanName) (*types.CheckoutResult, error)
}

// PaymentRecovery answers client polls for delayed confirmations.
type PaymentRecovery interface {
	VerifyByID(ctx context.Context, userID, recordID string) (*types.RecoveryOutcome, error)
	RecoverByPaymentID(ctx context.Context, userID, paymentID string) (*types.RecoveryOutcome, error)
}

// EntitlementChecker answers permission checks and spends credits.
type EntitlementChecker interface {
	Check(ctx context.Context, userID string) (*types.Entitlement, error)
	Consume(ctx context.Context, userID string) (*types.Entitlement, error)
}

// SubscriptionCanceller stops renewal of a subscription at the provider.
type SubscriptionCanceller interface {
	CancelAtPeriodEnd(ctx context.Context, userID, recordID string) (*types.SubscriptionRecord, error)
}

// --- Request Models ---

// CheckoutRequest is the body of POST /v1/billing/checkout.
type CheckoutRequest struct {
	UserID string         `json:"user_id" validate:"required"`
	Plan   types.PlanName `json:"plan" validate:"required,purchasable_plan"`
}

// VerifyRequest is the body of POST /v1/billing/verify.
type VerifyRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

// RecoverRequest is the body of POST /v1/billing/recover.
type RecoverRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
}

// CancelRequest is the body of POST /v1/billing/subscriptions/{id}/cancel.
type CancelRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// CancelResponse reports a scheduled cancellation.
type CancelResponse struct {
	SubscriptionID    string                   `json:"subscription_id"`
	Status            types.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
}

// --- Billing Handler ---

// BillingHandler serves the client-facing billing endpoints. The caller's
// identity is established upstream; user_id arrives in the body or path.
type BillingHandler struct {
	checkout     CheckoutStarter
	recovery     PaymentRecovery
	entitlements EntitlementChecker
	account      SubscriptionCanceller
	validator    *core.Validator
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	checkout CheckoutStarter,
	recovery PaymentRecovery,
	entitlements EntitlementChecker,
	account SubscriptionCanceller,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		checkout:     checkout,
		recovery:     recovery,
		entitlements: entitlements,
		account:      account,
		validator:    v,
		logger:       l,
	}
}

// RegisterRoutes mounts the billing endpoints under /v1.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/checkout", h.Checkout)
		r.Post("/verify", h.Verify)
		r.Post("/recover", h.Recover)
		r.Post("/subscriptions/{id}/cancel", h.Cancel)
		r.Get("/entitlements/{userID}", h.GetEntitlements)
		r.Post("/entitlements/{userID}/consume", h.Consume)
	})
}

// decode reads and validates a request body. It writes the error response
// and returns false on failure.
func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// Checkout handles POST /v1/billing/checkout.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.checkout.StartCheckout(r.Context(), req.UserID, req.Plan)
	if err != nil {
		h.logger.WarnContext(r.Context(), "checkout rejected",
			"user_id", req.UserID,
			"plan", req.Plan,
			"code", types.CodeOf(err),
		)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, res)
}

// Verify handles POST /v1/billing/verify. Pending is a normal 200 answer.
func (h *BillingHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.recovery.VerifyByID(r.Context(), req.UserID, req.SubscriptionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, out)
}

// Recover handles POST /v1/billing/recover.
func (h *BillingHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.recovery.RecoverByPaymentID(r.Context(), req.UserID, req.PaymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, out)
}

// Cancel handles POST /v1/billing/subscriptions/{id}/cancel. The record
// stays active until the provider reports the cancellation.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.account.CancelAtPeriodEnd(r.Context(), req.UserID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, CancelResponse{
		SubscriptionID:    rec.ID,
		Status:            rec.Status,
		CancelAtPeriodEnd: true,
	})
}

// GetEntitlements handles GET /v1/billing/entitlements/{userID}.
func (h *BillingHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ent, err := h.entitlements.Check(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ent)
}

// Consume handles POST /v1/billing/entitlements/{userID}/consume.
func (h *BillingHandler) Consume(w http.ResponseWriter, r *http.Request) {
	ent, err := h.entitlements.Consume(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ent)
}
