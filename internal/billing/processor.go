package billing

import (
	"context"
	"log/slog"
	"time"

	"planforge/internal/config"
	"planforge/internal/external"
	"planforge/internal/types"
)

// Outcome says what processing an event or activation did.
type Outcome string

const (
	// OutcomeApplied means a record changed state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the change had already been applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event does not apply to the record's state or
	// its type is unknown.
	OutcomeIgnored Outcome = "ignored"
)

// Result is the outcome together with the record it concerned, when any.
type Result struct {
	Outcome Outcome
	Record  *types.SubscriptionRecord
}

// ActivationRequest moves a record to active. It is shared by webhook
// processing and the recovery endpoints.
type ActivationRequest struct {
	RecordID     string
	Reference    string
	PeriodEndsAt *time.Time
	// Source is "webhook", "verify" or "recover" and only feeds logs.
	Source string
}

// Processor is the subscription state machine. It holds no state of its own;
// every decision is a read, a check and a compare-and-set write.
type Processor struct {
	store    SubscriptionStore
	sync     *Synchronizer
	settings config.SettingsProvider
	metrics  external.MetricsRecorder
	clock    types.Clock
	logger   *slog.Logger
}

// NewProcessor creates a Processor. Metrics, clock and logger default when nil.
func NewProcessor(store SubscriptionStore, sync *Synchronizer, settings config.SettingsProvider, metrics external.MetricsRecorder, clock types.Clock, logger *slog.Logger) *Processor {
	if metrics == nil {
		metrics = external.NopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		sync:     sync,
		settings: settings,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
	}
}

// HandleEvent applies a verified event. Not-found and conflict outcomes come
// back as errors; callers acknowledge them since redelivery cannot help.
func (p *Processor) HandleEvent(ctx context.Context, evt *types.PaymentEvent) (res Result, err error) {
	defer func() {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = string(types.CodeOf(err))
		}
		p.metrics.Count(ctx, types.MetricWebhookEvent, map[string]string{
			types.DimEventType: string(evt.Type),
			types.DimOutcome:   outcome,
		})
	}()

	switch evt.Type {
	case types.EventPaymentSucceeded, types.EventSubscriptionActive:
		return p.handleActivation(ctx, evt)
	case types.EventSubscriptionRenewed:
		return p.handleRenewal(ctx, evt)
	case types.EventPaymentFailed, types.EventSubscriptionOnHold, types.EventSubscriptionFailed:
		return p.handleTransition(ctx, evt, types.SubStatusPastDue,
			[]types.SubscriptionStatus{types.SubStatusActive})
	case types.EventSubscriptionCanceled:
		return p.handleTransition(ctx, evt, types.SubStatusCancelled,
			[]types.SubscriptionStatus{types.SubStatusActive, types.SubStatusPastDue})
	case types.EventSubscriptionExpired:
		return p.handleTransition(ctx, evt, types.SubStatusExpired,
			[]types.SubscriptionStatus{types.SubStatusActive, types.SubStatusPastDue})
	default:
		p.logger.InfoContext(ctx, "ignoring unhandled event type",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (p *Processor) handleActivation(ctx context.Context, evt *types.PaymentEvent) (Result, error) {
	d, err := decodeEventData(evt)
	if err != nil {
		return Result{}, err
	}
	ref := d.reference()
	if ref == "" {
		return Result{}, types.NewAppError(types.ErrCodeValidationInvalidEvent, "event carries no payment or subscription id", nil)
	}

	recordID := d.recordID()
	if recordID == "" {
		rec, err := p.store.GetByReference(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		recordID = rec.ID
	}

	return p.Activate(ctx, ActivationRequest{
		RecordID:     recordID,
		Reference:    ref,
		PeriodEndsAt: d.NextBillingDate,
		Source:       "webhook",
	})
}

// Activate moves a record to active exactly once per reference:
//   - active with the same reference is a duplicate
//   - active with a different reference is a conflict and nothing is written
//   - pending is switched with a compare-and-set; a lost race is re-read and
//     classified the same way
//
// Only the caller whose write lands runs the profile sync and its grant. A
// failed profile sync does not fail the activation.
func (p *Processor) Activate(ctx context.Context, req ActivationRequest) (Result, error) {
	rec, err := p.store.GetByID(ctx, req.RecordID)
	if err != nil {
		return Result{}, err
	}

	if res, done, err := p.classifyActivated(ctx, rec, req); done {
		return res, err
	}

	switch rec.Status {
	case types.SubStatusPending:
	case types.SubStatusPastDue:
		// Same reference: a successful payment after a failed one.
		return p.transition(ctx, rec, types.SubStatusActive,
			[]types.SubscriptionStatus{types.SubStatusPastDue}, p.periodFor(ctx, rec, req.PeriodEndsAt))
	default:
		return Result{}, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"subscription can no longer be activated", nil, map[string]any{
				"subscription_id": rec.ID,
				"status":          rec.Status,
			})
	}

	period := p.periodFor(ctx, rec, req.PeriodEndsAt)
	ok, err := p.store.Transition(ctx, rec.ID,
		[]types.SubscriptionStatus{types.SubStatusPending},
		types.SubscriptionChange{
			Status:       types.SubStatusActive,
			ReferenceID:  &req.Reference,
			PeriodEndsAt: period,
		},
	)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Another handler got there first.
		current, err := p.store.GetByID(ctx, rec.ID)
		if err != nil {
			return Result{}, err
		}
		if res, done, err := p.classifyActivated(ctx, current, req); done {
			return res, err
		}
		return Result{}, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"subscription changed concurrently", nil, map[string]any{
				"subscription_id": rec.ID,
				"status":          current.Status,
			})
	}

	rec.Status = types.SubStatusActive
	rec.ProviderReferenceID = &req.Reference
	if period != nil {
		rec.PeriodEndsAt = period
	}
	p.logger.InfoContext(ctx, "subscription activated",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"plan", rec.PlanName,
		"reference_id", req.Reference,
		"source", req.Source,
	)
	p.metrics.Count(ctx, types.MetricActivation, map[string]string{types.DimPlan: string(rec.PlanName)})

	// A partial write is already logged, counted and queued.
	_ = p.sync.AfterActivation(ctx, rec)
	return Result{Outcome: OutcomeApplied, Record: rec}, nil
}

// classifyActivated handles records that already carry a reference. done is
// false when the record still needs a write.
func (p *Processor) classifyActivated(ctx context.Context, rec *types.SubscriptionRecord, req ActivationRequest) (Result, bool, error) {
	existing := rec.Reference()
	if existing == "" {
		return Result{}, false, nil
	}
	if existing != req.Reference {
		return Result{}, true, p.referenceConflict(ctx, rec, req)
	}
	if rec.Status == types.SubStatusPastDue {
		return Result{}, false, nil
	}
	if rec.Status != types.SubStatusActive {
		p.logger.InfoContext(ctx, "activation for finished subscription ignored",
			"subscription_id", rec.ID,
			"status", rec.Status,
			"source", req.Source,
		)
		return Result{Outcome: OutcomeIgnored, Record: rec}, true, nil
	}
	p.logger.InfoContext(ctx, "duplicate activation ignored",
		"subscription_id", rec.ID,
		"reference_id", existing,
		"source", req.Source,
	)
	return Result{Outcome: OutcomeDuplicate, Record: rec}, true, nil
}

func (p *Processor) referenceConflict(ctx context.Context, rec *types.SubscriptionRecord, req ActivationRequest) error {
	p.logger.ErrorContext(ctx, "REFERENCE_CONFLICT: subscription already activated with another reference",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"existing_reference", rec.Reference(),
		"incoming_reference", req.Reference,
		"source", req.Source,
	)
	p.metrics.Count(ctx, types.MetricReferenceConflict, map[string]string{types.DimPlan: string(rec.PlanName)})
	return types.NewAppErrorWithDetails(types.ErrCodeConflictReferenceMismatch,
		"subscription already activated with a different reference", nil, map[string]any{
			"subscription_id":    rec.ID,
			"existing_reference": rec.Reference(),
			"incoming_reference": req.Reference,
		})
}

func (p *Processor) handleRenewal(ctx context.Context, evt *types.PaymentEvent) (Result, error) {
	d, err := decodeEventData(evt)
	if err != nil {
		return Result{}, err
	}
	if d.reference() == "" {
		return Result{}, types.NewAppError(types.ErrCodeValidationInvalidEvent, "renewal carries no subscription id", nil)
	}
	rec, err := p.findRecord(ctx, d)
	if err != nil {
		return Result{}, err
	}

	switch rec.Status {
	case types.SubStatusPending:
		// The first renewal can outrun the activation event.
		return p.Activate(ctx, ActivationRequest{
			RecordID:     rec.ID,
			Reference:    d.reference(),
			PeriodEndsAt: d.NextBillingDate,
			Source:       "webhook",
		})
	case types.SubStatusActive, types.SubStatusPastDue:
		if rec.Reference() != d.reference() {
			return Result{}, p.referenceConflict(ctx, rec, ActivationRequest{Reference: d.reference(), Source: "webhook"})
		}
		return p.transition(ctx, rec, types.SubStatusActive,
			[]types.SubscriptionStatus{types.SubStatusActive, types.SubStatusPastDue},
			p.renewedPeriod(ctx, rec, d.NextBillingDate))
	default:
		p.logger.InfoContext(ctx, "renewal for finished subscription ignored",
			"subscription_id", rec.ID,
			"status", rec.Status,
		)
		return Result{Outcome: OutcomeIgnored, Record: rec}, nil
	}
}

// handleTransition moves a matched record to target when it is in one of from.
// A record already in target is a duplicate; any other state is ignored.
func (p *Processor) handleTransition(ctx context.Context, evt *types.PaymentEvent, target types.SubscriptionStatus, from []types.SubscriptionStatus) (Result, error) {
	d, err := decodeEventData(evt)
	if err != nil {
		return Result{}, err
	}
	rec, err := p.findRecord(ctx, d)
	if err != nil {
		return Result{}, err
	}

	if rec.Status == target {
		return Result{Outcome: OutcomeDuplicate, Record: rec}, nil
	}
	if !statusIn(rec.Status, from) {
		p.logger.InfoContext(ctx, "event does not apply to subscription state",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"subscription_id", rec.ID,
			"status", rec.Status,
		)
		return Result{Outcome: OutcomeIgnored, Record: rec}, nil
	}
	return p.transition(ctx, rec, target, from, nil)
}

// transition applies a non-activating change and re-derives the profile.
func (p *Processor) transition(ctx context.Context, rec *types.SubscriptionRecord, target types.SubscriptionStatus, from []types.SubscriptionStatus, period *time.Time) (Result, error) {
	ok, err := p.store.Transition(ctx, rec.ID, from, types.SubscriptionChange{
		Status:       target,
		PeriodEndsAt: period,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		current, err := p.store.GetByID(ctx, rec.ID)
		if err != nil {
			return Result{}, err
		}
		if current.Status == target {
			return Result{Outcome: OutcomeDuplicate, Record: current}, nil
		}
		return Result{Outcome: OutcomeIgnored, Record: current}, nil
	}

	p.logger.InfoContext(ctx, "subscription transitioned",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"from", rec.Status,
		"to", target,
	)
	rec.Status = target
	if period != nil {
		rec.PeriodEndsAt = period
	}

	if _, err := p.sync.Resync(ctx, rec.UserID, rec.PlanName, types.SyncDeactivation); err != nil {
		// The record is durable; the reconciler repairs the profile.
		p.logger.ErrorContext(ctx, "profile resync after transition failed",
			"subscription_id", rec.ID,
			"user_id", rec.UserID,
			"error", err,
		)
		p.sync.enqueue(ctx, rec, types.SyncDeactivation)
	}
	return Result{Outcome: OutcomeApplied, Record: rec}, nil
}

// findRecord matches non-activation events by reference, falling back to the
// record id in metadata for records that never activated.
func (p *Processor) findRecord(ctx context.Context, d eventData) (*types.SubscriptionRecord, error) {
	ref := d.reference()
	if ref != "" {
		rec, err := p.store.GetByReference(ctx, ref)
		if err == nil {
			return rec, nil
		}
		if !types.IsNotFound(err) {
			return nil, err
		}
	}
	if id := d.recordID(); id != "" {
		return p.store.GetByID(ctx, id)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription matches event", nil)
}

// periodFor returns the period end to store on activation. One-time plans
// have none.
func (p *Processor) periodFor(ctx context.Context, rec *types.SubscriptionRecord, next *time.Time) *time.Time {
	if rec.PlanName.BillingMode() != types.BillingModeSubscription {
		return nil
	}
	if next != nil {
		t := next.UTC()
		return &t
	}
	t := p.clock.Now().AddDate(0, 0, p.settings.Current(ctx).ProPeriodDays)
	return &t
}

// renewedPeriod prefers the provider's next billing date, which makes
// redelivery idempotent, and otherwise advances from the later of the stored
// period end and now.
func (p *Processor) renewedPeriod(ctx context.Context, rec *types.SubscriptionRecord, next *time.Time) *time.Time {
	if next != nil {
		t := next.UTC()
		return &t
	}
	base := p.clock.Now()
	if rec.PeriodEndsAt != nil && rec.PeriodEndsAt.After(base) {
		base = *rec.PeriodEndsAt
	}
	t := base.AddDate(0, 0, p.settings.Current(ctx).ProPeriodDays)
	return &t
}

func statusIn(s types.SubscriptionStatus, set []types.SubscriptionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
