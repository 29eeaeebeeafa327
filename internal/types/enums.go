package types

// PlanName identifies a billing plan. Free is implicit: it has no
// subscription record and is what a user resolves to without active records.
type PlanName string

const (
	PlanFree     PlanName = "free"
	PlanHobbyist PlanName = "hobbyist"
	PlanPro      PlanName = "pro"
)

// Priority returns the plan's rank in the fixed order pro > hobbyist > free.
// Unknown plan names rank with free.
func (p PlanName) Priority() int {
	switch p {
	case PlanPro:
		return 2
	case PlanHobbyist:
		return 1
	default:
		return 0
	}
}

// Purchasable reports whether a checkout can be started for the plan.
func (p PlanName) Purchasable() bool {
	return p == PlanHobbyist || p == PlanPro
}

// BillingMode returns how the provider charges for the plan.
func (p PlanName) BillingMode() BillingMode {
	if p == PlanPro {
		return BillingModeSubscription
	}
	return BillingModePayment
}

// BillingMode distinguishes one-time payments from recurring subscriptions.
type BillingMode string

const (
	BillingModePayment      BillingMode = "payment"
	BillingModeSubscription BillingMode = "subscription"
)

// SubscriptionStatus is the lifecycle state of a SubscriptionRecord.
type SubscriptionStatus string

const (
	SubStatusPending   SubscriptionStatus = "pending"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusCancelled SubscriptionStatus = "cancelled"
	SubStatusExpired   SubscriptionStatus = "expired"
)

// IsTerminal reports whether no further transition may leave this status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubStatusCancelled || s == SubStatusExpired
}

// PaymentEventType is the provider's wire name for a webhook event.
type PaymentEventType string

const (
	EventPaymentSucceeded     PaymentEventType = "payment.succeeded"
	EventPaymentFailed        PaymentEventType = "payment.failed"
	EventSubscriptionActive   PaymentEventType = "subscription.active"
	EventSubscriptionRenewed  PaymentEventType = "subscription.renewed"
	EventSubscriptionOnHold   PaymentEventType = "subscription.on_hold"
	EventSubscriptionFailed   PaymentEventType = "subscription.failed"
	EventSubscriptionCanceled PaymentEventType = "subscription.cancelled"
	EventSubscriptionExpired  PaymentEventType = "subscription.expired"
)

// RecoveryStatus is the tri-state answer of the verification endpoints.
// Pending is a normal, retryable outcome.
type RecoveryStatus string

const (
	RecoveryPending RecoveryStatus = "pending"
	RecoverySuccess RecoveryStatus = "success"
	RecoveryFailure RecoveryStatus = "failure"
)

// SyncReason tells the profile synchronizer why it is running.
type SyncReason string

const (
	// SyncActivation follows a record that just became active for the first
	// time. Only this reason grants credits.
	SyncActivation SyncReason = "activation"
	// SyncDeactivation follows cancellation, expiry or renewal transitions.
	SyncDeactivation SyncReason = "deactivation"
	// SyncRepair re-derives the profile from durable state.
	SyncRepair SyncReason = "repair"
)
