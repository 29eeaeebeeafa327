package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planforge/internal/types"
)

// IdentityClient implements ProfileStore on top of the identity provider's
// user API. Billing fields live in the user's public metadata; the provider
// merges metadata patches, so keys owned by other services survive.
type IdentityClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

var _ ProfileStore = (*IdentityClient)(nil)

// NewIdentityClient creates an IdentityClient. A nil base gets a default
// BaseClient.
func NewIdentityClient(base *BaseClient, apiKey, baseURL string, logger *slog.Logger) *IdentityClient {
	if base == nil {
		base = NewBaseClient(&http.Client{Timeout: 10 * time.Second}, "identity", DefaultRetryPolicy(), "planforge/1.0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityClient{
		base:    base,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type identityUser struct {
	ID             string          `json:"id"`
	PublicMetadata billingMetadata `json:"public_metadata"`
}

type billingMetadata struct {
	Plan              types.PlanName `json:"plan,omitempty"`
	GenerationBalance *int64         `json:"generation_balance,omitempty"`
}

type metadataPatch struct {
	PublicMetadata billingMetadata `json:"public_metadata"`
}

// GetProfile implements ProfileStore. A user without billing metadata reads
// as free with a zero balance.
func (c *IdentityClient) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build identity request", err)
	}
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, identityError("GetProfile", err)
	}
	defer resp.Body.Close()

	if err := checkIdentityStatus(resp, "GetProfile"); err != nil {
		return nil, err
	}

	var u identityUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamIdentity, "failed to decode identity user", err)
	}

	profile := &types.UserProfile{
		ID:          userID,
		Plan:        u.PublicMetadata.Plan,
		Provisioned: u.PublicMetadata.Plan != "",
		Revision:    resp.Header.Get("ETag"),
	}
	if profile.Plan == "" {
		profile.Plan = types.PlanFree
	}
	if u.PublicMetadata.GenerationBalance != nil {
		profile.GenerationBalance = *u.PublicMetadata.GenerationBalance
	}
	return profile, nil
}

// UpdateProfile implements ProfileStore. The conditional write rides on
// If-Match with the ETag returned by GetProfile.
func (c *IdentityClient) UpdateProfile(ctx context.Context, profile types.UserProfile) error {
	balance := profile.GenerationBalance
	buf, err := json.Marshal(metadataPatch{PublicMetadata: billingMetadata{
		Plan:              profile.Plan,
		GenerationBalance: &balance,
	}})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode metadata patch", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/metadata", c.baseURL, url.PathEscape(profile.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(buf))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build identity request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if profile.Revision != "" {
		req.Header.Set("If-Match", profile.Revision)
	}
	c.authorize(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return identityError("UpdateProfile", err)
	}
	defer resp.Body.Close()

	return checkIdentityStatus(resp, "UpdateProfile")
}

func (c *IdentityClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func checkIdentityStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundUser, op+": user not found", nil)
	case resp.StatusCode == http.StatusPreconditionFailed:
		return types.NewAppError(types.ErrCodeConflictProfileChanged, op+": profile changed since read", nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamIdentity,
			fmt.Sprintf("%s: identity provider returned %d", op, resp.StatusCode), nil)
	}
}

func identityError(op string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamIdentity, op+": request failed", err)
}
