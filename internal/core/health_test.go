package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func runHealth(t *testing.T, probes ...HealthProbe) (int, healthResponse) {
	t.Helper()
	srv := newTestServer(t)
	srv.HealthProbes = probes
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := runHealth(t)
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("expected healthy 200, got %d %q", code, resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version, got %q", resp.Version)
	}
}

func TestHandleHealth_ProbeFailure(t *testing.T) {
	code, resp := runHealth(t,
		ProbeFunc{ProbeName: "database", Fn: func(context.Context) error { return nil }},
		ProbeFunc{ProbeName: "identity", Fn: func(context.Context) error { return errors.New("unreachable") }},
	)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database should be healthy: %+v", resp.Components)
	}
	if resp.Components["identity"].Message != "unreachable" {
		t.Errorf("unexpected identity status: %+v", resp.Components["identity"])
	}
}

func TestHandleHealth_PanicAndTimeout(t *testing.T) {
	code, resp := runHealth(t,
		ProbeFunc{ProbeName: "panics", Fn: func(context.Context) error { panic("bad probe") }},
		ProbeFunc{ProbeName: "slow", Fn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		}},
	)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["panics"].Status != "unhealthy" || resp.Components["slow"].Status != "unhealthy" {
		t.Errorf("unexpected components: %+v", resp.Components)
	}
}
