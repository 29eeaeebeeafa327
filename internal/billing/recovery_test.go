package billing

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"planforge/internal/types"
)

func newRecovery(h *harness) *RecoveryService {
	return NewRecoveryService(h.store, h.processor, h.provider, testSettings, h.metrics, fixedClock{testNow}, discardLogger())
}

func withSession(r *types.SubscriptionRecord, sessionID string) *types.SubscriptionRecord {
	r.ProviderSessionID = strPtr(sessionID)
	return r
}

func TestVerifyByID_ActivatesPaidSession(t *testing.T) {
	store := newMemStore(withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1"))
	profiles := newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanFree})
	h := newHarness(store, profiles)
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(&types.CheckoutSession{ID: "cs_1", Status: types.SessionStatusSucceeded, PaymentID: "pay_1"}, nil)

	out, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoverySuccess, out.Status)
	assert.Equal(t, types.PlanHobbyist, out.Plan)
	assert.Equal(t, "pay_1", store.get("p1").Reference())
	assert.Equal(t, int64(50), profiles.get("u1").GenerationBalance)

	// Webhook arriving afterwards does not grant again.
	res, err := h.processor.HandleEvent(context.Background(), paymentSucceeded(t, "p1", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(50), profiles.get("u1").GenerationBalance)
}

func TestVerifyByID_SessionStates(t *testing.T) {
	tests := []struct {
		status string
		want   types.RecoveryStatus
	}{
		{types.SessionStatusOpen, types.RecoveryPending},
		{types.SessionStatusFailed, types.RecoveryFailure},
		{types.SessionStatusExpired, types.RecoveryFailure},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h := newHarness(newMemStore(withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1")), newMemProfiles())
			h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
				Return(&types.CheckoutSession{ID: "cs_1", Status: tt.status}, nil)

			out, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, types.SubStatusPending, h.store.get("p1").Status)
		})
	}
}

func TestVerifyByID_PaidWithoutIDsIsPending(t *testing.T) {
	h := newHarness(newMemStore(withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1")), newMemProfiles())
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(&types.CheckoutSession{ID: "cs_1", Status: types.SessionStatusSucceeded}, nil)

	out, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryPending, out.Status)
}

func TestVerifyByID_ProPaidBeforeSubscriptionIDIsPending(t *testing.T) {
	store := newMemStore(withSession(pendingRecord("p1", "u1", types.PlanPro), "cs_1"))
	h := newHarness(store, newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanFree}))
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(&types.CheckoutSession{ID: "cs_1", Status: types.SessionStatusSucceeded, PaymentID: "pay_1"}, nil)
	ctx := context.Background()

	out, err := newRecovery(h).VerifyByID(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryPending, out.Status)
	assert.Equal(t, "payment_processing", out.Reason)
	assert.Equal(t, types.SubStatusPending, store.get("p1").Status)
	assert.Nil(t, store.get("p1").ProviderReferenceID)

	// The subscription events then activate and renew under the subscription id.
	res, err := h.processor.HandleEvent(ctx, event(t, types.EventSubscriptionActive, map[string]any{
		"subscription_id": "sub_1",
		"metadata":        map[string]string{"subscription_record_id": "p1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "sub_1", store.get("p1").Reference())

	next := testNow.AddDate(0, 2, 0)
	res, err = h.processor.HandleEvent(ctx, event(t, types.EventSubscriptionRenewed, map[string]any{
		"subscription_id":   "sub_1",
		"next_billing_date": next,
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, next.Equal(*store.get("p1").PeriodEndsAt))
}

func TestVerifyByID_NoSessionYet(t *testing.T) {
	h := newHarness(newMemStore(pendingRecord("p1", "u1", types.PlanHobbyist)), newMemProfiles())

	out, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryPending, out.Status)
	h.provider.AssertNotCalled(t, "GetCheckoutSession", mock.Anything, mock.Anything)
}

func TestVerifyByID_TerminalAndActive(t *testing.T) {
	active := activeRecord("a1", "u1", types.PlanHobbyist, "pay_1")
	cancelled := activeRecord("c1", "u1", types.PlanPro, "sub_1")
	cancelled.Status = types.SubStatusCancelled
	h := newHarness(newMemStore(active, cancelled), newMemProfiles())
	svc := newRecovery(h)

	out, err := svc.VerifyByID(context.Background(), "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoverySuccess, out.Status)

	out, err = svc.VerifyByID(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryFailure, out.Status)
}

func TestVerifyByID_OtherUsersRecord(t *testing.T) {
	h := newHarness(newMemStore(pendingRecord("p1", "u1", types.PlanHobbyist)), newMemProfiles())

	_, err := newRecovery(h).VerifyByID(context.Background(), "u2", "p1")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSubscription))
}

func TestVerifyByID_ReferenceMismatch(t *testing.T) {
	r := activeRecord("p1", "u1", types.PlanHobbyist, "pay_1")
	r.Status = types.SubStatusPending
	h := newHarness(newMemStore(withSession(r, "cs_1")), newMemProfiles())
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(&types.CheckoutSession{ID: "cs_1", Status: types.SessionStatusSucceeded, PaymentID: "pay_2"}, nil)

	out, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryFailure, out.Status)
	assert.Equal(t, "reference_mismatch", out.Reason)
}

func TestVerifyByID_ProviderError(t *testing.T) {
	h := newHarness(newMemStore(withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1")), newMemProfiles())
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(nil, types.NewAppError(types.ErrCodeUpstreamProvider, "payment provider unavailable", nil))

	_, err := newRecovery(h).VerifyByID(context.Background(), "u1", "p1")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamProvider))
}

func TestRecoverByPaymentID_ScansPendingSessions(t *testing.T) {
	var records []*types.SubscriptionRecord
	for i := 0; i < 6; i++ {
		records = append(records, withSession(pendingRecord(fmt.Sprintf("p%d", i), "u1", types.PlanHobbyist), fmt.Sprintf("cs_%d", i)))
	}
	store := newMemStore(records...)
	profiles := newMemProfiles(types.UserProfile{ID: "u1", Plan: types.PlanFree})
	h := newHarness(store, profiles)
	for i := 0; i < 6; i++ {
		sess := &types.CheckoutSession{ID: fmt.Sprintf("cs_%d", i), Status: types.SessionStatusOpen}
		if i == 4 {
			sess.Status = types.SessionStatusSucceeded
			sess.PaymentID = "pay_42"
		}
		h.provider.On("GetCheckoutSession", mock.Anything, sess.ID).Return(sess, nil).Maybe()
	}

	out, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "pay_42")
	require.NoError(t, err)
	assert.Equal(t, types.RecoverySuccess, out.Status)
	assert.Equal(t, "p4", out.SubscriptionID)
	assert.Equal(t, types.SubStatusActive, store.get("p4").Status)
	assert.Equal(t, int64(50), profiles.get("u1").GenerationBalance)
}

func TestRecoverByPaymentID_AlreadyActive(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("p1", "u1", types.PlanHobbyist, "pay_1")), newMemProfiles())

	out, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoverySuccess, out.Status)
	h.provider.AssertNotCalled(t, "GetCheckoutSession", mock.Anything, mock.Anything)
}

func TestRecoverByPaymentID_OtherUsersPaymentNotRevealed(t *testing.T) {
	h := newHarness(newMemStore(activeRecord("p1", "u1", types.PlanHobbyist, "pay_1")), newMemProfiles())

	out, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u2", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryPending, out.Status)
	assert.Empty(t, out.SubscriptionID)
}

func TestRecoverByPaymentID_OutsideWindowIgnored(t *testing.T) {
	old := withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1")
	old.CreatedAt = testNow.AddDate(0, 0, -8)
	h := newHarness(newMemStore(old), newMemProfiles())

	out, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryPending, out.Status)
	h.provider.AssertNotCalled(t, "GetCheckoutSession", mock.Anything, mock.Anything)
}

func TestRecoverByPaymentID_ProviderErrorsWithoutMatch(t *testing.T) {
	h := newHarness(newMemStore(withSession(pendingRecord("p1", "u1", types.PlanHobbyist), "cs_1")), newMemProfiles())
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(nil, types.NewAppError(types.ErrCodeUpstreamProvider, "payment provider unavailable", nil))

	_, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "pay_1")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamProvider))
}

func TestRecoverByPaymentID_ProRecordFoundBySubscriptionScan(t *testing.T) {
	pro := withSession(activeRecord("p1", "u1", types.PlanPro, "sub_1"), "cs_1")
	h := newHarness(newMemStore(pro), newMemProfiles())
	h.provider.On("GetCheckoutSession", mock.Anything, "cs_1").
		Return(&types.CheckoutSession{ID: "cs_1", Status: types.SessionStatusSucceeded, PaymentID: "pay_1", SubscriptionID: "sub_1"}, nil)

	out, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.RecoverySuccess, out.Status)
	assert.Equal(t, "p1", out.SubscriptionID)
}

func TestRecoverByPaymentID_MissingPaymentID(t *testing.T) {
	h := newHarness(newMemStore(), newMemProfiles())

	_, err := newRecovery(h).RecoverByPaymentID(context.Background(), "u1", "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}
