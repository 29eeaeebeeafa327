package billing

import (
	"context"
	"time"

	"planforge/internal/types"
)

// SubscriptionStore is the durable record store. *db.SubscriptionRepository
// satisfies it.
type SubscriptionStore interface {
	Create(ctx context.Context, rec *types.SubscriptionRecord) error
	GetByID(ctx context.Context, id string) (*types.SubscriptionRecord, error)
	GetByReference(ctx context.Context, ref string) (*types.SubscriptionRecord, error)
	List(ctx context.Context, f types.SubscriptionFilter) ([]*types.SubscriptionRecord, error)
	SetSessionID(ctx context.Context, id, sessionID string) error
	// Transition applies change when the row is in one of from and its
	// reference is unset or equal. false means nothing was written.
	Transition(ctx context.Context, id string, from []types.SubscriptionStatus, change types.SubscriptionChange) (bool, error)
	// ClaimProfileSync takes the activation sync of an active, unsynced
	// record for lease. false means it is synced or another claim is live.
	ClaimProfileSync(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	// ReleaseProfileSync drops a claim after a failed sync.
	ReleaseProfileSync(ctx context.Context, id string) error
	// MarkProfileSynced stamps the record and clears its claim.
	MarkProfileSynced(ctx context.Context, id string, at time.Time) error
}
