package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"planforge/internal/types"
)

// SubscriptionRepository stores SubscriptionRecords in the subscriptions
// table. Status changes go through Transition, which only succeeds when the
// row is still in one of the expected source states.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository.
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `id, user_id, plan_name, status, provider_reference_id, provider_session_id,
	period_ends_at, profile_synced_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var r types.SubscriptionRecord
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.PlanName,
		&r.Status,
		&r.ProviderReferenceID,
		&r.ProviderSessionID,
		&r.PeriodEndsAt,
		&r.ProfileSyncedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a new record. CreatedAt and UpdatedAt are filled in from the
// database clock.
func (r *SubscriptionRepository) Create(ctx context.Context, rec *types.SubscriptionRecord) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_name, status, provider_session_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.UserID, string(rec.PlanName), string(rec.Status), rec.ProviderSessionID,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// GetByID returns the record or a not_found_subscription error.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return rec, nil
}

// GetByReference returns the record holding the provider reference id. The
// most recently updated row wins if a reference was ever recorded twice.
func (r *SubscriptionRepository) GetByReference(ctx context.Context, ref string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE provider_reference_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription by reference", err)
	}
	return rec, nil
}

// List returns records matching the filter, newest first.
func (r *SubscriptionRepository) List(ctx context.Context, f types.SubscriptionFilter) ([]*types.SubscriptionRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PlanName != "" {
		add("plan_name = $%d", string(f.PlanName))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < $%d", f.UpdatedBefore)
	}
	if f.RequireSession {
		where = append(where, "provider_session_id IS NOT NULL")
	}
	if f.OnlyUnsynced {
		where = append(where, "profile_synced_at IS NULL")
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var out []*types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscriptions", err)
	}
	return out, nil
}

// SetSessionID records the provider checkout session on a pending record.
func (r *SubscriptionRepository) SetSessionID(ctx context.Context, id, sessionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET provider_session_id = $2, updated_at = NOW() WHERE id = $1`,
		id, sessionID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set session id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// Transition applies change only if the row's status is one of from and its
// reference is NULL or equal to the incoming one. It reports whether the row
// was updated; false means a concurrent writer got there first or the record
// moved on, and the caller must re-read to classify the outcome.
func (r *SubscriptionRepository) Transition(ctx context.Context, id string, from []types.SubscriptionStatus, change types.SubscriptionChange) (bool, error) {
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     provider_reference_id = COALESCE(provider_reference_id, $3),
		     period_ends_at = COALESCE($4, period_ends_at),
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = ANY($5)
		   AND ($3::text IS NULL OR provider_reference_id IS NULL OR provider_reference_id = $3)
		   AND ($6::timestamptz IS NULL OR period_ends_at < $6)`,
		id, string(change.Status), change.ReferenceID, change.PeriodEndsAt, fromStatuses, change.LapsedBefore,
	)
	if isUniqueViolation(err) {
		return false, types.NewAppErrorWithDetails(types.ErrCodeConflictReferenceMismatch,
			"provider reference already belongs to another subscription", err, map[string]any{
				"subscription_id": id,
				"reference_id":    change.ReferenceID,
			})
	}
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "subscription transition not applied",
			"subscription_id", id,
			"target_status", change.Status,
		)
		return false, nil
	}
	return true, nil
}

// ClaimProfileSync takes the activation sync of an active, unsynced record.
// A claim older than lease is considered abandoned and can be taken over.
func (r *SubscriptionRepository) ClaimProfileSync(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET profile_sync_claimed_at = $2
		 WHERE id = $1
		   AND status = 'active'
		   AND profile_synced_at IS NULL
		   AND (profile_sync_claimed_at IS NULL OR profile_sync_claimed_at < $3)`,
		id, now, now.Add(-lease))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim profile sync", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseProfileSync drops the claim so another worker can retry the sync.
func (r *SubscriptionRepository) ReleaseProfileSync(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET profile_sync_claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release profile sync", err)
	}
	return nil
}

// MarkProfileSynced stamps the record after its activation sync completed.
func (r *SubscriptionRepository) MarkProfileSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET profile_synced_at = $2, profile_sync_claimed_at = NULL WHERE id = $1`, id, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark profile synced", err)
	}
	return nil
}
