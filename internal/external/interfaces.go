package external

import (
	"context"

	"planforge/internal/types"
)

// ---------------------------------------------------------------------------
// Payment provider
// ---------------------------------------------------------------------------

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	RecordID  string
	UserID    string
	Plan      types.PlanName
	ReturnURL string
}

// PaymentProvider abstracts the payment provider API.
type PaymentProvider interface {
	// CreateCheckoutSession starts a hosted checkout. The record id travels
	// in session metadata so webhooks can be matched back to it.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*types.CheckoutSession, error)

	// GetCheckoutSession returns the session with its normalized status and,
	// once paid, the payment and subscription ids.
	GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error)

	// GetSubscription returns a recurring subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)

	// SetCancelAtPeriodEnd flips the provider's cancel-at-next-billing flag.
	// The local record changes only when the provider's event arrives.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
}

// WebhookVerifier authenticates a raw webhook body.
type WebhookVerifier interface {
	// Verify returns nil only when header carries a valid signature of
	// payload under secret.
	Verify(payload []byte, header string, secret string) error
}

// ---------------------------------------------------------------------------
// Identity provider
// ---------------------------------------------------------------------------

// ProfileStore reads and writes the billing fields of a user profile.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)
	// UpdateProfile writes plan and generation_balance only; other profile
	// metadata is left untouched. When profile.Revision is set the write is
	// conditional and fails with conflict_profile_changed if the stored
	// profile moved on.
	UpdateProfile(ctx context.Context, profile types.UserProfile) error
}

// ---------------------------------------------------------------------------
// AWS
// ---------------------------------------------------------------------------

// ResyncPublisher enqueues a profile resync for the reconciler.
type ResyncPublisher interface {
	PublishResync(ctx context.Context, msg types.ResyncMessage) error
}

// MetricsRecorder emits billing counters. Implementations never fail the
// caller.
type MetricsRecorder interface {
	Count(ctx context.Context, metric string, dims map[string]string)
}

// NopMetrics discards metrics.
type NopMetrics struct{}

// Count implements MetricsRecorder.
func (NopMetrics) Count(context.Context, string, map[string]string) {}

// NopResyncPublisher drops resync requests; the scheduled sweep still finds
// unsynced records.
type NopResyncPublisher struct{}

// PublishResync implements ResyncPublisher.
func (NopResyncPublisher) PublishResync(context.Context, types.ResyncMessage) error { return nil }
