package billing

import (
	"context"
	"log/slog"
	"time"

	"planforge/internal/config"
	"planforge/internal/external"
	"planforge/internal/types"
)

const (
	// profileWriteAttempts bounds re-read and retry rounds when a
	// conditional profile write loses to a concurrent writer.
	profileWriteAttempts = 3
	// profileSyncLease is how long an activation sync claim blocks other
	// workers. A worker that dies mid-sync is retried once it runs out.
	profileSyncLease = 5 * time.Minute
)

// Synchronizer derives a user's plan from durable records and writes it, with
// the matching credit balance, to the identity provider's profile. The record
// store and the profile live in different systems, so every step is
// idempotent and re-runnable from the records alone.
type Synchronizer struct {
	store    SubscriptionStore
	profiles external.ProfileStore
	settings config.SettingsProvider
	resync   external.ResyncPublisher
	metrics  external.MetricsRecorder
	clock    types.Clock
	logger   *slog.Logger
}

// SynchronizerConfig holds the Synchronizer's collaborators. Resync, Metrics
// and Clock are optional.
type SynchronizerConfig struct {
	Store    SubscriptionStore
	Profiles external.ProfileStore
	Settings config.SettingsProvider
	Resync   external.ResyncPublisher
	Metrics  external.MetricsRecorder
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) *Synchronizer {
	s := &Synchronizer{
		store:    cfg.Store,
		profiles: cfg.Profiles,
		settings: cfg.Settings,
		resync:   cfg.Resync,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if s.resync == nil {
		s.resync = external.NopResyncPublisher{}
	}
	if s.metrics == nil {
		s.metrics = external.NopMetrics{}
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ActiveRecords returns the user's active records after lazily expiring pro
// records whose period has ended. A lapsed record is dropped from the result
// even when another writer flipped it first.
func (s *Synchronizer) ActiveRecords(ctx context.Context, userID string) ([]*types.SubscriptionRecord, error) {
	records, err := s.store.List(ctx, types.SubscriptionFilter{
		UserID:   userID,
		Statuses: []types.SubscriptionStatus{types.SubStatusActive},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	active := records[:0]
	for _, r := range records {
		if !r.LapsedAt(now) {
			active = append(active, r)
			continue
		}
		flipped, err := s.store.Transition(ctx, r.ID,
			[]types.SubscriptionStatus{types.SubStatusActive},
			types.SubscriptionChange{Status: types.SubStatusExpired, LapsedBefore: &now},
		)
		if err != nil {
			return nil, err
		}
		if flipped {
			s.logger.InfoContext(ctx, "pro subscription lapsed",
				"subscription_id", r.ID,
				"user_id", userID,
				"period_ends_at", r.PeriodEndsAt,
			)
			s.metrics.Count(ctx, types.MetricLazyExpiry, map[string]string{types.DimPlan: string(r.PlanName)})
		}
	}
	return active, nil
}

// Resync resolves the user's plan and applies it to the profile. trigger is
// the plan of the record whose change caused the sync (empty for repairs).
// It returns the resolved plan and the profile as written.
func (s *Synchronizer) Resync(ctx context.Context, userID string, trigger types.PlanName, reason types.SyncReason) (*types.UserProfile, error) {
	records, err := s.ActiveRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, userID, ResolvePlan(records), trigger, reason)
}

// apply re-reads the profile so concurrent metadata changes are not
// clobbered, computes the target state and writes only when it differs. The
// write is conditional on the revision read; a lost race is re-read and
// recomputed.
func (s *Synchronizer) apply(ctx context.Context, userID string, resolved, trigger types.PlanName, reason types.SyncReason) (*types.UserProfile, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.profiles.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}

		next := nextProfile(*current, resolved, trigger, reason, s.settings.Current(ctx))
		if next == *current {
			return current, nil
		}

		err = s.profiles.UpdateProfile(ctx, next)
		if types.IsCode(err, types.ErrCodeConflictProfileChanged) && attempt < profileWriteAttempts {
			s.logger.DebugContext(ctx, "profile changed during sync, retrying",
				"user_id", userID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "profile synchronized",
			"user_id", userID,
			"reason", reason,
			"plan_from", current.Plan,
			"plan_to", next.Plan,
			"balance_from", current.GenerationBalance,
			"balance_to", next.GenerationBalance,
		)
		next.Provisioned = true
		next.Revision = ""
		return &next, nil
	}
}

// nextProfile holds the balance rules:
//   - a first-ever free sync grants the free allowance
//   - an activation of hobbyist adds the hobbyist grant
//   - a resolved pro plan clears the balance
//   - dropping to free from a paid plan resets the balance to zero
func nextProfile(current types.UserProfile, resolved, trigger types.PlanName, reason types.SyncReason, settings config.BillingSettings) types.UserProfile {
	next := current
	next.Plan = resolved

	switch {
	case resolved == types.PlanPro:
		next.GenerationBalance = 0
	case resolved == types.PlanFree && !current.Provisioned:
		next.GenerationBalance = settings.FreeGrant
	case resolved == types.PlanFree && current.Plan != types.PlanFree:
		next.GenerationBalance = 0
	case reason == types.SyncActivation && trigger == types.PlanHobbyist:
		next.GenerationBalance += settings.HobbyistGrant
	}

	// Unprovisioned profiles always get written so the metadata exists.
	if !current.Provisioned {
		next.Provisioned = true
	}
	return next
}

// AfterActivation runs the activation sync for a record that just became
// active and stamps it as synced. A failed profile write does not undo the
// activation: it is logged as a partial write, counted, and queued for the
// reconciler. The returned error carries warning_partial_write in that case.
func (s *Synchronizer) AfterActivation(ctx context.Context, rec *types.SubscriptionRecord) error {
	_, err := s.syncActivation(ctx, rec)
	return err
}

// syncActivation claims the record's activation sync before granting, so
// webhook, queue and sweep workers never grant the same record twice. It
// reports false when the record is already synced or claimed elsewhere.
func (s *Synchronizer) syncActivation(ctx context.Context, rec *types.SubscriptionRecord) (bool, error) {
	claimed, err := s.store.ClaimProfileSync(ctx, rec.ID, s.clock.Now(), profileSyncLease)
	if err != nil {
		return false, s.partialWrite(ctx, rec, err)
	}
	if !claimed {
		s.logger.DebugContext(ctx, "activation sync already done or claimed",
			"subscription_id", rec.ID,
			"user_id", rec.UserID,
		)
		return false, nil
	}

	if _, err := s.Resync(ctx, rec.UserID, rec.PlanName, types.SyncActivation); err != nil {
		if relErr := s.store.ReleaseProfileSync(ctx, rec.ID); relErr != nil {
			s.logger.WarnContext(ctx, "failed to release profile sync claim",
				"subscription_id", rec.ID,
				"error", relErr,
			)
		}
		return false, s.partialWrite(ctx, rec, err)
	}

	if err := s.store.MarkProfileSynced(ctx, rec.ID, s.clock.Now()); err != nil {
		s.logger.WarnContext(ctx, "failed to mark profile synced",
			"subscription_id", rec.ID,
			"error", err,
		)
	}
	return true, nil
}

func (s *Synchronizer) partialWrite(ctx context.Context, rec *types.SubscriptionRecord, err error) error {
	s.logger.ErrorContext(ctx, "PARTIAL_WRITE_WARNING: subscription active but profile sync failed",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"plan", rec.PlanName,
		"error", err,
	)
	s.metrics.Count(ctx, types.MetricPartialWrite, map[string]string{types.DimPlan: string(rec.PlanName)})
	s.enqueue(ctx, rec, types.SyncActivation)
	return types.NewAppError(types.ErrCodeWarningPartialWrite, "profile sync failed after activation", err)
}

// enqueue asks the reconciler to repair the record's user. Failures are only
// logged; the scheduled sweep still finds unsynced records.
func (s *Synchronizer) enqueue(ctx context.Context, rec *types.SubscriptionRecord, reason types.SyncReason) {
	if err := s.resync.PublishResync(ctx, types.ResyncMessage{
		UserID:         rec.UserID,
		SubscriptionID: rec.ID,
		Reason:         string(reason),
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue profile resync",
			"subscription_id", rec.ID,
			"user_id", rec.UserID,
			"error", err,
		)
	}
}
