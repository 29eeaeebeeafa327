package types

import (
	"encoding/json"
	"time"
)

// SubscriptionRecord is one purchase attempt of a plan by a user. Records are
// created pending at checkout and are never deleted.
//
// ProviderReferenceID is proof of activation: once set it is never replaced
// with a different value.
type SubscriptionRecord struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	PlanName            PlanName           `json:"plan_name"`
	Status              SubscriptionStatus `json:"status"`
	ProviderReferenceID *string            `json:"provider_reference_id,omitempty"`
	ProviderSessionID   *string            `json:"provider_session_id,omitempty"`
	PeriodEndsAt        *time.Time         `json:"period_ends_at,omitempty"`
	ProfileSyncedAt     *time.Time         `json:"profile_synced_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Reference returns the provider reference id or "" when unset.
func (r *SubscriptionRecord) Reference() string {
	if r.ProviderReferenceID == nil {
		return ""
	}
	return *r.ProviderReferenceID
}

// SessionID returns the provider checkout session id or "" when unset.
func (r *SubscriptionRecord) SessionID() string {
	if r.ProviderSessionID == nil {
		return ""
	}
	return *r.ProviderSessionID
}

// LapsedAt reports whether an active pro record has run past its period end.
// One-time plans never lapse.
func (r *SubscriptionRecord) LapsedAt(now time.Time) bool {
	return r.Status == SubStatusActive &&
		r.PlanName == PlanPro &&
		r.PeriodEndsAt != nil &&
		r.PeriodEndsAt.Before(now)
}

// SubscriptionFilter selects records for SubscriptionStore.List.
// Zero-valued fields do not filter.
type SubscriptionFilter struct {
	UserID         string
	PlanName       PlanName
	Statuses       []SubscriptionStatus
	CreatedAfter   time.Time
	UpdatedBefore  time.Time
	RequireSession bool
	OnlyUnsynced   bool
	Limit          int
}

// SubscriptionChange describes a status transition applied with
// compare-and-set semantics by the store.
type SubscriptionChange struct {
	Status SubscriptionStatus
	// ReferenceID is written only when the stored reference is NULL or equal.
	ReferenceID *string
	// PeriodEndsAt overwrites the stored period end when non-nil.
	PeriodEndsAt *time.Time
	// LapsedBefore, when set, restricts the update to rows whose period ended
	// before it. Lazy expiry uses it so a concurrent renewal wins.
	LapsedBefore *time.Time
}

// UserProfile is the slice of the identity provider's user this engine
// reads and rewrites.
type UserProfile struct {
	ID                string   `json:"id"`
	Plan              PlanName `json:"plan"`
	GenerationBalance int64    `json:"generation_balance"`
	// Provisioned is false until billing metadata was first written.
	Provisioned bool `json:"-"`
	// Revision is the identity provider's version of the profile as read.
	// A write carrying it only lands if nobody wrote in between.
	Revision string `json:"-"`
}

// PaymentEvent is a verified, parsed webhook delivery. Delivery is
// at-least-once; processing must tolerate repetition.
type PaymentEvent struct {
	ID        string           `json:"id"`
	Type      PaymentEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"data"`
}

// CheckoutResult is returned to the client after a checkout was started.
type CheckoutResult struct {
	SubscriptionID string   `json:"subscription_id"`
	SessionID      string   `json:"session_id"`
	CheckoutURL    string   `json:"checkout_url"`
	Plan           PlanName `json:"plan"`
}

// CheckoutSession is the provider's view of a checkout.
type CheckoutSession struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	Status         string `json:"status"`
	PaymentID      string `json:"payment_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Provider checkout session states.
const (
	SessionStatusOpen      = "open"
	SessionStatusSucceeded = "succeeded"
	SessionStatusFailed    = "failed"
	SessionStatusExpired   = "expired"
)

// ProviderSubscription is the provider's view of a recurring subscription.
type ProviderSubscription struct {
	ID                      string     `json:"id"`
	Status                  string     `json:"status"`
	NextBillingDate         *time.Time `json:"next_billing_date,omitempty"`
	CancelAtNextBillingDate bool       `json:"cancel_at_next_billing_date"`
}

// RecoveryOutcome is the tri-state result of verify-by-id and
// recover-by-payment-id.
type RecoveryOutcome struct {
	Status         RecoveryStatus `json:"status"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Plan           PlanName       `json:"plan,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Entitlement is the effective billing view of a user at a point in time.
type Entitlement struct {
	UserID            string   `json:"user_id"`
	Plan              PlanName `json:"plan"`
	GenerationBalance int64    `json:"generation_balance"`
	Unlimited         bool     `json:"unlimited"`
	CanGenerate       bool     `json:"can_generate"`
}

// ResyncMessage asks the reconciler to re-derive a user's profile.
type ResyncMessage struct {
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Reason         string    `json:"reason"`
	RequestedAt    time.Time `json:"requested_at"`
}
