package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"

	"planforge/internal/billing"
	"planforge/internal/core"
	"planforge/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve mounts register on a fresh router and replays one request.
func serve(register func(chi.Router), method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	register(r)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// --- Mocks ---

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) HandleEvent(ctx context.Context, evt *types.PaymentEvent) (billing.Result, error) {
	args := m.Called(ctx, evt)
	return args.Get(0).(billing.Result), args.Error(1)
}

type mockCheckout struct{ mock.Mock }

func (m *mockCheckout) StartCheckout(ctx context.Context, userID string, plan types.PlanName) (*types.CheckoutResult, error) {
	args := m.Called(ctx, userID, plan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.CheckoutResult), args.Error(1)
}

type mockRecovery struct{ mock.Mock }

func (m *mockRecovery) VerifyByID(ctx context.Context, userID, recordID string) (*types.RecoveryOutcome, error) {
	args := m.Called(ctx, userID, recordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.RecoveryOutcome), args.Error(1)
}

func (m *mockRecovery) RecoverByPaymentID(ctx context.Context, userID, paymentID string) (*types.RecoveryOutcome, error) {
	args := m.Called(ctx, userID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.RecoveryOutcome), args.Error(1)
}

type mockEntitlements struct{ mock.Mock }

func (m *mockEntitlements) Check(ctx context.Context, userID string) (*types.Entitlement, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Entitlement), args.Error(1)
}

func (m *mockEntitlements) Consume(ctx context.Context, userID string) (*types.Entitlement, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Entitlement), args.Error(1)
}

type mockAccount struct{ mock.Mock }

func (m *mockAccount) CancelAtPeriodEnd(ctx context.Context, userID, recordID string) (*types.SubscriptionRecord, error) {
	args := m.Called(ctx, userID, recordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.SubscriptionRecord), args.Error(1)
}

func (m *mockAccount) ListSubscriptions(ctx context.Context, userID string) ([]*types.SubscriptionRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.SubscriptionRecord), args.Error(1)
}

func newValidator() *core.Validator {
	return core.NewValidator(testLogger())
}
