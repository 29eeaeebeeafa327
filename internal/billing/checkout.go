package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"planforge/internal/external"
	"planforge/internal/types"
)

// CheckoutService starts purchases. The hierarchy check is not locked: two
// concurrent checkouts may both create pending records, and activation
// guarantees at most one of them is ever applied per reference.
type CheckoutService struct {
	store     SubscriptionStore
	sync      *Synchronizer
	provider  external.PaymentProvider
	returnURL string
	logger    *slog.Logger
	newID     func() string
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(store SubscriptionStore, sync *Synchronizer, provider external.PaymentProvider, returnURL string, logger *slog.Logger) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		store:     store,
		sync:      sync,
		provider:  provider,
		returnURL: returnURL,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// StartCheckout validates the purchase, creates the pending record and opens
// a provider checkout session for it.
//
// If the provider call or the session id write fails after the record was
// created, the pending record is left behind. It never activates without a
// matching provider event, so no rollback is attempted.
func (s *CheckoutService) StartCheckout(ctx context.Context, userID string, plan types.PlanName) (*types.CheckoutResult, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	if !plan.Purchasable() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"plan cannot be purchased", nil, map[string]any{"requested_plan": plan})
	}

	active, err := s.sync.ActiveRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	current := ResolvePlan(active)
	if plan.Priority() <= current.Priority() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictPlanHierarchy,
			"requested plan does not upgrade the current plan", nil, map[string]any{
				"current_plan":   current,
				"requested_plan": plan,
			})
	}

	if plan.BillingMode() == types.BillingModeSubscription {
		existing, err := s.store.List(ctx, types.SubscriptionFilter{
			UserID:   userID,
			PlanName: plan,
			Statuses: []types.SubscriptionStatus{types.SubStatusPending, types.SubStatusActive},
			Limit:    1,
		})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictPendingCheckout,
				"a checkout for this plan is already in progress", nil, map[string]any{
					"subscription_id": existing[0].ID,
					"status":          existing[0].Status,
					"requested_plan":  plan,
				})
		}
	}

	rec := &types.SubscriptionRecord{
		ID:       s.newID(),
		UserID:   userID,
		PlanName: plan,
		Status:   types.SubStatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, external.CheckoutRequest{
		RecordID:  rec.ID,
		UserID:    userID,
		Plan:      plan,
		ReturnURL: s.returnURL,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "checkout session creation failed; pending record orphaned",
			"subscription_id", rec.ID,
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}

	if err := s.store.SetSessionID(ctx, rec.ID, session.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to persist checkout session id; pending record orphaned",
			"subscription_id", rec.ID,
			"session_id", session.ID,
			"error", err,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "checkout started",
		"subscription_id", rec.ID,
		"user_id", userID,
		"plan", plan,
		"session_id", session.ID,
	)
	return &types.CheckoutResult{
		SubscriptionID: rec.ID,
		SessionID:      session.ID,
		CheckoutURL:    session.URL,
		Plan:           plan,
	}, nil
}
