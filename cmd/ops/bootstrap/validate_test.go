package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockHTTPClient struct {
	status int
	err    error
	calls  []*http.Request
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{StatusCode: m.status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

type mockDBConnector struct {
	err   error
	calls []string
}

func (m *mockDBConnector) Connect(_ context.Context, dsn string) error {
	m.calls = append(m.calls, dsn)
	return m.err
}

func TestValidateDatabaseURL(t *testing.T) {
	ctx := context.Background()
	const dsn = "postgres://app:pw@db.example.com:5432/planforge?sslmode=require"

	tests := []struct {
		name  string
		input string
		dbErr error
		want  bool
	}{
		{"valid", dsn, nil, true},
		{"wrong scheme", "mysql://app:pw@db:3306/x", nil, false},
		{"connect fails", dsn, errors.New("refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDBConnector{err: tt.dbErr}
			v := NewValidatorWithDeps(nil, db, "", "")
			if got := v.ValidateDatabaseURL(ctx, tt.input); got.Valid != tt.want {
				t.Errorf("Valid = %v, want %v (%s)", got.Valid, tt.want, got.Message)
			}
		})
	}
}

func TestValidatePaymentsKey(t *testing.T) {
	ctx := context.Background()
	key := "pk_live_0123456789abcdef"

	tests := []struct {
		name   string
		input  string
		status int
		err    error
		want   bool
	}{
		{"accepted", key, http.StatusOK, nil, true},
		{"rejected", key, http.StatusUnauthorized, nil, false},
		{"server error", key, http.StatusBadGateway, nil, false},
		{"network error", key, 0, errors.New("dial tcp"), false},
		{"too short", "abc", http.StatusOK, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockHTTPClient{status: tt.status, err: tt.err}
			v := NewValidatorWithDeps(client, nil, "https://pay.example.com/", "")
			if got := v.ValidatePaymentsKey(ctx, tt.input); got.Valid != tt.want {
				t.Errorf("Valid = %v, want %v (%s)", got.Valid, tt.want, got.Message)
			}
		})
	}
}

func TestValidatePaymentsKey_ProbeRequest(t *testing.T) {
	client := &mockHTTPClient{status: http.StatusOK}
	v := NewValidatorWithDeps(client, nil, "https://pay.example.com/", "")
	v.ValidatePaymentsKey(context.Background(), "pk_live_0123456789abcdef")

	if len(client.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(client.calls))
	}
	req := client.calls[0]
	if req.URL.String() != "https://pay.example.com/products?page_size=1" {
		t.Errorf("url = %s", req.URL)
	}
	if req.Header.Get("Authorization") != "Bearer pk_live_0123456789abcdef" {
		t.Errorf("authorization header = %q", req.Header.Get("Authorization"))
	}
}

func TestValidateIdentityKey_Format(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil, "", "https://id.example.com")
	if got := v.ValidateIdentityKey(context.Background(), "sk_test_abcdefghijklmnopqrstu"); !got.Valid {
		t.Errorf("expected valid: %s", got.Message)
	}
	if got := v.ValidateIdentityKey(context.Background(), "pk_test_abc"); got.Valid {
		t.Error("expected publishable key to be rejected")
	}
}

func TestValidateWebhookSecret(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil, "", "")
	if !v.ValidateWebhookSecret(context.Background(), "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw").Valid {
		t.Error("expected whsec_ secret to be valid")
	}
	if v.ValidateWebhookSecret(context.Background(), "short").Valid {
		t.Error("expected short secret to be rejected")
	}
}

func TestValidateRegex(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil, "", "")
	ctx := context.Background()
	if !v.ValidateRegex(ctx, "pdt_123", `^pdt_\d+$`, "Product").Valid {
		t.Error("expected match")
	}
	if v.ValidateRegex(ctx, "", `.*`, "Product").Valid {
		t.Error("expected empty input to fail")
	}
	if v.ValidateRegex(ctx, "x", `(`, "Product").Valid {
		t.Error("expected invalid pattern to fail")
	}
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken()
	if err != nil {
		t.Fatalf("GenerateSecureToken: %v", err)
	}
	b, _ := GenerateSecureToken()
	if len(a) != 2*tokenByteLength {
		t.Errorf("len = %d, want %d", len(a), 2*tokenByteLength)
	}
	if a == b {
		t.Error("expected distinct tokens")
	}
}
