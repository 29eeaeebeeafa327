package types

// CloudWatch metric names and dimensions emitted by the billing engine.
const (
	MetricNamespace = "Planforge"

	MetricWebhookEvent      = "WebhookEvent"
	MetricActivation        = "Activation"
	MetricReferenceConflict = "ReferenceConflict"
	MetricPartialWrite      = "PartialWriteWarning"
	MetricRecoveryLookup    = "RecoveryLookup"
	MetricLazyExpiry        = "LazyExpiry"

	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimPlan      = "Plan"
)
