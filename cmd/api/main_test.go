package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"planforge/internal/billing"
	"planforge/internal/config"
	"planforge/internal/external"
	"planforge/internal/types"
)

type stubServices struct{}

func (stubServices) HandleEvent(context.Context, *types.PaymentEvent) (billing.Result, error) {
	return billing.Result{Outcome: billing.OutcomeIgnored}, nil
}

func (stubServices) StartCheckout(context.Context, string, types.PlanName) (*types.CheckoutResult, error) {
	return &types.CheckoutResult{}, nil
}

func (stubServices) VerifyByID(context.Context, string, string) (*types.RecoveryOutcome, error) {
	return &types.RecoveryOutcome{Status: types.RecoveryPending}, nil
}

func (stubServices) RecoverByPaymentID(context.Context, string, string) (*types.RecoveryOutcome, error) {
	return &types.RecoveryOutcome{Status: types.RecoveryPending}, nil
}

func (stubServices) Check(_ context.Context, userID string) (*types.Entitlement, error) {
	return &types.Entitlement{UserID: userID, Plan: types.PlanFree}, nil
}

func (stubServices) Consume(_ context.Context, userID string) (*types.Entitlement, error) {
	return &types.Entitlement{UserID: userID, Plan: types.PlanFree}, nil
}

func (stubServices) CancelAtPeriodEnd(context.Context, string, string) (*types.SubscriptionRecord, error) {
	return &types.SubscriptionRecord{}, nil
}

func (stubServices) ListSubscriptions(context.Context, string) ([]*types.SubscriptionRecord, error) {
	return nil, nil
}

func (stubServices) ResyncUser(_ context.Context, userID string) (*types.UserProfile, error) {
	return &types.UserProfile{ID: userID, Plan: types.PlanFree}, nil
}

func testServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Payments: config.PaymentsConfig{
			WebhookSecret:   "whsec_test",
			SignatureScheme: "hmac",
		},
		Security: config.SecurityConfig{AdminAPIKey: "admin-key"},
	}
	stub := stubServices{}
	svc := services{
		processor:    stub,
		checkout:     stub,
		recovery:     stub,
		entitlements: stub,
		account:      stub,
		resync:       stub,
		settings:     config.StaticSettings{FreeGrant: 3},
		metrics:      external.NopMetrics{},
	}
	srv, err := newServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return srv.Handler()
}

func TestNewServer_Routes(t *testing.T) {
	h := testServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"health", http.MethodGet, "/health", nil, http.StatusOK},
		{"entitlements", http.MethodGet, "/v1/billing/entitlements/user-1", nil, http.StatusOK},
		{"unsigned webhook", http.MethodPost, "/webhooks/payments", nil, http.StatusUnauthorized},
		{"admin without key", http.MethodGet, "/admin/settings", nil, http.StatusUnauthorized},
		{"admin with key", http.MethodGet, "/admin/settings", map[string]string{"X-Admin-Key": "admin-key"}, http.StatusOK},
		{"settings writes disabled", http.MethodPut, "/admin/settings/free_grant", map[string]string{"X-Admin-Key": "admin-key"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if newLogger(level) == nil {
			t.Errorf("newLogger(%q) returned nil", level)
		}
	}
}
