package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"planforge/internal/types"
)

// sweepLimit bounds how many unsynced records one sweep repairs.
const sweepLimit = 100

// Reconciler re-derives profiles from durable records. It repairs the gap
// left when a record update succeeded and the profile write did not.
type Reconciler struct {
	store     SubscriptionStore
	sync      *Synchronizer
	syncGrace time.Duration
	clock     types.Clock
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. syncGrace keeps the sweep away from
// activations whose sync may still be in flight.
func NewReconciler(store SubscriptionStore, sync *Synchronizer, syncGrace time.Duration, clock types.Clock, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		sync:      sync,
		syncGrace: syncGrace,
		clock:     clock,
		logger:    logger,
	}
}

// ResyncUser re-resolves the plan and rewrites the profile without grants.
func (r *Reconciler) ResyncUser(ctx context.Context, userID string) (*types.UserProfile, error) {
	return r.sync.Resync(ctx, userID, "", types.SyncRepair)
}

// HandleResync processes one queued resync request. A still-unsynced
// activation gets its activation sync, including the grant; anything else is
// a plain repair.
func (r *Reconciler) HandleResync(ctx context.Context, msg types.ResyncMessage) error {
	if msg.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "resync message has no user_id", nil)
	}
	if msg.SubscriptionID != "" {
		rec, err := r.store.GetByID(ctx, msg.SubscriptionID)
		if err != nil && !types.IsNotFound(err) {
			return err
		}
		if err == nil && rec.Status == types.SubStatusActive && rec.ProfileSyncedAt == nil {
			return r.sync.AfterActivation(ctx, rec)
		}
	}
	_, err := r.ResyncUser(ctx, msg.UserID)
	return err
}

// SweepUnsynced re-runs the activation sync for active records that never got
// one. It returns how many records were synced.
func (r *Reconciler) SweepUnsynced(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx, types.SubscriptionFilter{
		Statuses:      []types.SubscriptionStatus{types.SubStatusActive},
		UpdatedBefore: r.clock.Now().Add(-r.syncGrace),
		OnlyUnsynced:  true,
		Limit:         sweepLimit,
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	synced := 0
	for _, rec := range records {
		ok, err := r.sync.syncActivation(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			synced++
		}
	}
	r.logger.InfoContext(ctx, "unsynced sweep finished",
		"candidates", len(records),
		"synced", synced,
		"failed", len(errs),
	)
	return synced, errors.Join(errs...)
}
