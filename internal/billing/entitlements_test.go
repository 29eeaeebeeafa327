package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planforge/internal/types"
)

func newEntitlements(h *harness) *EntitlementService {
	return NewEntitlementService(h.sync, h.profiles, NewStaticPlanRegistry(), discardLogger())
}

func TestCheck_LapsedProTreatedAsFree(t *testing.T) {
	lapsed := activeRecord("p1", "u1", types.PlanPro, "sub_1")
	lapsed.PeriodEndsAt = timePtr(testNow.AddDate(0, 0, -1))
	store := newMemStore(lapsed)
	profiles := newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanPro})
	h := newHarness(store, profiles)

	ent, err := newEntitlements(h).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, ent.Plan)
	assert.False(t, ent.Unlimited)
	assert.False(t, ent.CanGenerate)
	assert.Equal(t, types.SubStatusExpired, store.get("p1").Status)
	assert.Equal(t, types.PlanFree, profiles.get("u1").Plan)
}

func TestCheck_ProIsUnlimited(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("p1", "u1", types.PlanPro, "sub_1")),
		newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanPro}))

	ent, err := newEntitlements(h).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ent.Unlimited)
	assert.True(t, ent.CanGenerate)
	assert.Equal(t, 0, h.profiles.writes)
}

func TestCheck_NewUserGetsFreeGrant(t *testing.T) {
	h := newHarness(newMemStore(), newMemProfiles())

	ent, err := newEntitlements(h).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, ent.Plan)
	assert.Equal(t, int64(3), ent.GenerationBalance)
	assert.True(t, ent.CanGenerate)

	// Provisioned now; a second check does not grant again.
	ent, err = newEntitlements(h).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ent.GenerationBalance)
	assert.Equal(t, 1, h.profiles.writes)
}

func TestConsume(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("h1", "u1", types.PlanHobbyist, "pay_1")),
		newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanHobbyist, GenerationBalance: 2}))
	svc := newEntitlements(h)
	ctx := context.Background()

	ent, err := svc.Consume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ent.GenerationBalance)

	ent, err = svc.Consume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ent.GenerationBalance)
	assert.False(t, ent.CanGenerate)

	_, err = svc.Consume(ctx, "u1")
	assert.True(t, types.IsCode(err, types.ErrCodeLimitGenerations))
	assert.Equal(t, int64(0), h.profiles.get("u1").GenerationBalance)
}

func TestConsume_ProNotCharged(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("p1", "u1", types.PlanPro, "sub_1")),
		newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanPro}))

	ent, err := newEntitlements(h).Consume(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ent.Unlimited)
	assert.Equal(t, 0, h.profiles.writes)
}

func TestConsume_GrantLandingMidConsumeIsKept(t *testing.T) {
	store := newMemStore(pendingRecord("p1", "u1", types.PlanHobbyist))
	mem := newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanFree, GenerationBalance: 3})
	profiles := &hookProfiles{memProfiles: mem}
	sync := NewSynchronizer(SynchronizerConfig{
		Store:    store,
		Profiles: profiles,
		Settings: testSettings,
		Clock:    fixedClock{testNow},
		Logger:   discardLogger(),
	})
	processor := NewProcessor(store, sync, testSettings, nil, fixedClock{testNow}, discardLogger())
	svc := NewEntitlementService(sync, profiles, nil, discardLogger())
	ctx := context.Background()

	profiles.beforeUpdate = func() {
		_, err := processor.HandleEvent(ctx, paymentSucceeded(t, "p1", "pay_1"))
		require.NoError(t, err)
		require.Equal(t, int64(53), mem.get("u1").GenerationBalance)
	}

	ent, err := svc.Consume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanHobbyist, ent.Plan)
	assert.Equal(t, int64(52), ent.GenerationBalance)

	final := mem.get("u1")
	assert.Equal(t, types.PlanHobbyist, final.Plan)
	assert.Equal(t, int64(52), final.GenerationBalance)
	assert.Equal(t, types.SubStatusActive, store.get("p1").Status)
}

func TestConsume_GivesUpAfterRepeatedConflicts(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("h1", "u1", types.PlanHobbyist, "pay_1")),
		newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanHobbyist, GenerationBalance: 5}))
	svc := NewEntitlementService(h.sync, conflictingProfiles{h.profiles}, nil, discardLogger())

	_, err := svc.Consume(context.Background(), "u1")
	assert.True(t, types.IsCode(err, types.ErrCodeConflictProfileChanged))
	assert.Equal(t, int64(5), h.profiles.get("u1").GenerationBalance)
}

// conflictingProfiles loses every conditional write.
type conflictingProfiles struct {
	*memProfiles
}

func (conflictingProfiles) UpdateProfile(context.Context, types.UserProfile) error {
	return types.NewAppError(types.ErrCodeConflictProfileChanged, "profile changed since read", nil)
}
