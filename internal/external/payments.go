package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"planforge/internal/types"
)

// PaymentsClientConfig configures PaymentsClient.
type PaymentsClientConfig struct {
	APIKey  string
	BaseURL string
	// ProductIDs maps each purchasable plan to the provider's product id.
	ProductIDs map[types.PlanName]string
	Logger     *slog.Logger
}

// PaymentsClient implements PaymentProvider against the provider's REST API.
type PaymentsClient struct {
	base       *BaseClient
	apiKey     string
	baseURL    string
	productIDs map[types.PlanName]string
	logger     *slog.Logger
}

var _ PaymentProvider = (*PaymentsClient)(nil)

// NewPaymentsClient creates a PaymentsClient. A nil base gets a default
// BaseClient with a 20s timeout.
func NewPaymentsClient(base *BaseClient, cfg PaymentsClientConfig) *PaymentsClient {
	if base == nil {
		base = NewBaseClient(&http.Client{Timeout: 20 * time.Second}, "payments", DefaultRetryPolicy(), "planforge/1.0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentsClient{
		base:       base,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		productIDs: cfg.ProductIDs,
		logger:     logger,
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type checkoutCreateRequest struct {
	ProductCart []productCartItem `json:"product_cart"`
	ReturnURL   string            `json:"return_url"`
	Metadata    map[string]string `json:"metadata"`
}

type productCartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutCreateResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type checkoutSessionResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CheckoutURL    string `json:"checkout_url"`
	PaymentID      string `json:"payment_id"`
	SubscriptionID string `json:"subscription_id"`
}

type subscriptionResponse struct {
	SubscriptionID          string     `json:"subscription_id"`
	Status                  string     `json:"status"`
	NextBillingDate         *time.Time `json:"next_billing_date"`
	CancelAtNextBillingDate bool       `json:"cancel_at_next_billing_date"`
}

type providerErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metadata keys attached to every checkout.
const (
	MetadataRecordID = "subscription_record_id"
	MetadataUserID   = "user_id"
	MetadataPlan     = "plan"
)

// ---------------------------------------------------------------------------
// PaymentProvider
// ---------------------------------------------------------------------------

// CreateCheckoutSession implements PaymentProvider.
func (c *PaymentsClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*types.CheckoutSession, error) {
	productID, ok := c.productIDs[req.Plan]
	if !ok || productID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("no product configured for plan %q", req.Plan), nil)
	}

	body := checkoutCreateRequest{
		ProductCart: []productCartItem{{ProductID: productID, Quantity: 1}},
		ReturnURL:   req.ReturnURL,
		Metadata: map[string]string{
			MetadataRecordID: req.RecordID,
			MetadataUserID:   req.UserID,
			MetadataPlan:     string(req.Plan),
		},
	}

	var out checkoutCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/checkouts", body, &out, "CreateCheckoutSession", types.ErrCodeNotFoundSession); err != nil {
		return nil, err
	}
	return &types.CheckoutSession{
		ID:     out.SessionID,
		URL:    out.CheckoutURL,
		Status: types.SessionStatusOpen,
	}, nil
}

// GetCheckoutSession implements PaymentProvider.
func (c *PaymentsClient) GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error) {
	var out checkoutSessionResponse
	path := "/checkouts/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, "GetCheckoutSession", types.ErrCodeNotFoundSession); err != nil {
		return nil, err
	}
	id := out.ID
	if id == "" {
		id = sessionID
	}
	return &types.CheckoutSession{
		ID:             id,
		URL:            out.CheckoutURL,
		Status:         normalizeSessionStatus(out.Status),
		PaymentID:      out.PaymentID,
		SubscriptionID: out.SubscriptionID,
	}, nil
}

// GetSubscription implements PaymentProvider.
func (c *PaymentsClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	var out subscriptionResponse
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, "GetSubscription", types.ErrCodeNotFoundSubscription); err != nil {
		return nil, err
	}
	return &types.ProviderSubscription{
		ID:                      out.SubscriptionID,
		Status:                  out.Status,
		NextBillingDate:         out.NextBillingDate,
		CancelAtNextBillingDate: out.CancelAtNextBillingDate,
	}, nil
}

// SetCancelAtPeriodEnd implements PaymentProvider.
func (c *PaymentsClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	body := map[string]bool{"cancel_at_next_billing_date": cancel}
	return c.doJSON(ctx, http.MethodPatch, path, body, nil, "SetCancelAtPeriodEnd", types.ErrCodeNotFoundSubscription)
}

// normalizeSessionStatus folds provider states into open/succeeded/failed/expired.
func normalizeSessionStatus(s string) string {
	switch strings.ToLower(s) {
	case "succeeded", "paid", "completed", "complete", "active":
		return types.SessionStatusSucceeded
	case "failed", "cancelled", "canceled":
		return types.SessionStatusFailed
	case "expired":
		return types.SessionStatusExpired
	default:
		return types.SessionStatusOpen
	}
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *PaymentsClient) doJSON(ctx context.Context, method, path string, in, out any, op string, notFound types.ErrorCode) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return providerError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(ctx, resp, op, notFound)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamProvider, op+": failed to decode provider response", err)
	}
	return nil
}

func (c *PaymentsClient) handleErrorResponse(ctx context.Context, resp *http.Response, op string, notFound types.ErrorCode) error {
	var pe providerErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &pe)

	if resp.StatusCode == http.StatusNotFound {
		return types.NewAppError(notFound, fmt.Sprintf("%s: provider resource not found", op), nil)
	}

	c.logger.WarnContext(ctx, "payment provider rejected request",
		"operation", op,
		"status", resp.StatusCode,
		"provider_code", pe.Code,
	)
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: provider error (%d): %s", op, resp.StatusCode, pe.Message), nil,
		map[string]any{"provider_status": resp.StatusCode, "provider_code": pe.Code})
}

// providerError keeps BaseClient's upstream codes and wraps anything else.
func providerError(op string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamProvider, op+": request failed", err)
}
