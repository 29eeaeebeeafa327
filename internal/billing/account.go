package billing

import (
	"context"
	"log/slog"

	"planforge/internal/external"
	"planforge/internal/types"
)

// AccountService covers user-initiated changes that go through the provider.
type AccountService struct {
	store    SubscriptionStore
	provider external.PaymentProvider
	logger   *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(store SubscriptionStore, provider external.PaymentProvider, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{store: store, provider: provider, logger: logger}
}

// ListSubscriptions returns every record of the user, newest first.
func (s *AccountService) ListSubscriptions(ctx context.Context, userID string) ([]*types.SubscriptionRecord, error) {
	return s.store.List(ctx, types.SubscriptionFilter{UserID: userID})
}

// CancelAtPeriodEnd asks the provider to stop renewing a pro subscription.
// The record itself changes only when the provider's cancellation or expiry
// event arrives.
func (s *AccountService) CancelAtPeriodEnd(ctx context.Context, userID, recordID string) (*types.SubscriptionRecord, error) {
	rec, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}

	cancellable := rec.PlanName.BillingMode() == types.BillingModeSubscription &&
		(rec.Status == types.SubStatusActive || rec.Status == types.SubStatusPastDue) &&
		rec.Reference() != ""
	if !cancellable {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"subscription cannot be cancelled", nil, map[string]any{
				"subscription_id": rec.ID,
				"plan":            rec.PlanName,
				"status":          rec.Status,
			})
	}

	if err := s.provider.SetCancelAtPeriodEnd(ctx, rec.Reference(), true); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription set to cancel at period end",
		"subscription_id", rec.ID,
		"user_id", userID,
		"reference_id", rec.Reference(),
	)
	return rec, nil
}
