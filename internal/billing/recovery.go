package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"planforge/internal/config"
	"planforge/internal/external"
	"planforge/internal/types"
)

// recoveryFanout bounds concurrent provider session lookups.
const recoveryFanout = 4

// recoveryScanLimit bounds how many pending records one recovery call scans.
const recoveryScanLimit = 50

// errMatchFound stops the session scan once a match is known.
var errMatchFound = errors.New("recovery: match found")

// RecoveryService answers client polls when a webhook is delayed or lost. It
// re-enters the same idempotent activation path the webhook uses.
type RecoveryService struct {
	store     SubscriptionStore
	processor *Processor
	provider  external.PaymentProvider
	settings  config.SettingsProvider
	metrics   external.MetricsRecorder
	clock     types.Clock
	logger    *slog.Logger
}

// NewRecoveryService creates a RecoveryService.
func NewRecoveryService(store SubscriptionStore, processor *Processor, provider external.PaymentProvider, settings config.SettingsProvider, metrics external.MetricsRecorder, clock types.Clock, logger *slog.Logger) *RecoveryService {
	if metrics == nil {
		metrics = external.NopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		store:     store,
		processor: processor,
		provider:  provider,
		settings:  settings,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// VerifyByID checks a pending record the client still holds. Records of other
// users are reported as not found.
func (s *RecoveryService) VerifyByID(ctx context.Context, userID, recordID string) (*types.RecoveryOutcome, error) {
	rec, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}

	out, err := s.verify(ctx, rec)
	s.count(ctx, "verify", out, err)
	return out, err
}

func (s *RecoveryService) verify(ctx context.Context, rec *types.SubscriptionRecord) (*types.RecoveryOutcome, error) {
	switch rec.Status {
	case types.SubStatusActive, types.SubStatusPastDue:
		return outcome(types.RecoverySuccess, rec, ""), nil
	case types.SubStatusCancelled, types.SubStatusExpired:
		return outcome(types.RecoveryFailure, rec, string(rec.Status)), nil
	}

	if rec.SessionID() == "" {
		return outcome(types.RecoveryPending, rec, "checkout_not_started"), nil
	}
	session, err := s.provider.GetCheckoutSession(ctx, rec.SessionID())
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, rec, session, "verify")
}

// settle maps a provider session onto the record and activates it when paid.
func (s *RecoveryService) settle(ctx context.Context, rec *types.SubscriptionRecord, session *types.CheckoutSession, source string) (*types.RecoveryOutcome, error) {
	switch session.Status {
	case types.SessionStatusFailed, types.SessionStatusExpired:
		return outcome(types.RecoveryFailure, rec, "payment_"+session.Status), nil
	case types.SessionStatusSucceeded:
	default:
		return outcome(types.RecoveryPending, rec, "payment_processing"), nil
	}

	ref := sessionReference(rec.PlanName, session)
	if ref == "" {
		// Paid but the provider has not attached ids yet.
		return outcome(types.RecoveryPending, rec, "payment_processing"), nil
	}

	res, err := s.processor.Activate(ctx, ActivationRequest{
		RecordID:  rec.ID,
		Reference: ref,
		Source:    source,
	})
	if err != nil {
		if types.IsCode(err, types.ErrCodeConflictReferenceMismatch) {
			return outcome(types.RecoveryFailure, rec, "reference_mismatch"), nil
		}
		return nil, err
	}
	if res.Record != nil {
		rec = res.Record
	}
	if res.Outcome == OutcomeIgnored {
		return outcome(types.RecoveryFailure, rec, string(rec.Status)), nil
	}
	return outcome(types.RecoverySuccess, rec, ""), nil
}

// RecoverByPaymentID finds the user's record for a provider payment id when
// the client lost its record id. It scans the user's recent records
// and asks the provider for each session until one reports the payment.
func (s *RecoveryService) RecoverByPaymentID(ctx context.Context, userID, paymentID string) (*types.RecoveryOutcome, error) {
	out, err := s.recoverByPaymentID(ctx, userID, paymentID)
	s.count(ctx, "recover", out, err)
	return out, err
}

func (s *RecoveryService) recoverByPaymentID(ctx context.Context, userID, paymentID string) (*types.RecoveryOutcome, error) {
	if paymentID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "payment_id is required", nil)
	}

	rec, err := s.store.GetByReference(ctx, paymentID)
	switch {
	case err == nil && rec.UserID == userID:
		return s.verify(ctx, rec)
	case err == nil:
		// Another user's payment: answer as if unknown.
	case !types.IsNotFound(err):
		return nil, err
	}

	// Recurring records are stored under the subscription id, so recent
	// active records are scanned along with pending ones.
	settings := s.settings.Current(ctx)
	pending, err := s.store.List(ctx, types.SubscriptionFilter{
		UserID:         userID,
		Statuses:       []types.SubscriptionStatus{types.SubStatusPending, types.SubStatusActive, types.SubStatusPastDue},
		CreatedAfter:   s.clock.Now().Add(-settings.RecoveryWindow),
		RequireSession: true,
		Limit:          recoveryScanLimit,
	})
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		match   *types.SubscriptionRecord
		session *types.CheckoutSession
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryFanout)
	for _, candidate := range pending {
		g.Go(func() error {
			sess, err := s.provider.GetCheckoutSession(gctx, candidate.SessionID())
			if err != nil {
				if gctx.Err() == nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			}
			if sess.PaymentID != paymentID && sess.SubscriptionID != paymentID {
				return nil
			}
			mu.Lock()
			match, session = candidate, sess
			mu.Unlock()
			return errMatchFound
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errMatchFound) {
		return nil, err
	}

	if match == nil {
		if len(errs) > 0 {
			s.logger.WarnContext(ctx, "recovery scan incomplete",
				"user_id", userID,
				"candidates", len(pending),
				"errors", len(errs),
			)
			return nil, errs[0]
		}
		return &types.RecoveryOutcome{Status: types.RecoveryPending, Reason: "payment_not_found"}, nil
	}

	s.logger.InfoContext(ctx, "recovered pending subscription by payment id",
		"subscription_id", match.ID,
		"user_id", userID,
		"payment_id", paymentID,
	)
	if match.Status != types.SubStatusPending {
		return s.verify(ctx, match)
	}
	return s.settle(ctx, match, session, "recover")
}

func (s *RecoveryService) count(ctx context.Context, kind string, out *types.RecoveryOutcome, err error) {
	result := string(types.CodeOf(err))
	if err == nil && out != nil {
		result = string(out.Status)
	}
	s.metrics.Count(ctx, types.MetricRecoveryLookup, map[string]string{
		types.DimEventType: kind,
		types.DimOutcome:   result,
	})
}

// sessionReference picks the activation reference from a paid session.
// Recurring plans are keyed by the subscription id only; until the provider
// attaches it the result is "" and the record stays pending.
func sessionReference(plan types.PlanName, session *types.CheckoutSession) string {
	if plan.BillingMode() == types.BillingModeSubscription {
		return session.SubscriptionID
	}
	return session.PaymentID
}

func outcome(status types.RecoveryStatus, rec *types.SubscriptionRecord, reason string) *types.RecoveryOutcome {
	return &types.RecoveryOutcome{
		Status:         status,
		SubscriptionID: rec.ID,
		Plan:           rec.PlanName,
		Reason:         reason,
	}
}
