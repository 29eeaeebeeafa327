package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planforge/internal/config"
	"planforge/internal/core"
	"planforge/internal/types"
)

// SubscriptionLister lists a user's records.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, userID string) ([]*types.SubscriptionRecord, error)
}

// ProfileResyncer re-derives a user's profile from durable records.
type ProfileResyncer interface {
	ResyncUser(ctx context.Context, userID string) (*types.UserProfile, error)
}

// SettingsWriter persists a runtime setting override.
type SettingsWriter interface {
	Upsert(ctx context.Context, key, value string) error
}

// SettingsInvalidator drops cached settings after a write.
type SettingsInvalidator interface {
	Invalidate()
}

// UpdateSettingRequest is the body of PUT /admin/settings/{key}.
type UpdateSettingRequest struct {
	Value string `json:"value" validate:"required"`
}

// SubscriptionsResponse lists a user's records.
type SubscriptionsResponse struct {
	UserID        string                      `json:"user_id"`
	ResolvedPlan  types.PlanName              `json:"resolved_plan"`
	Subscriptions []*types.SubscriptionRecord `json:"subscriptions"`
}

// AdminHandler serves operator endpoints. Routes are mounted behind the
// admin key middleware, so error responses include internal detail.
type AdminHandler struct {
	subscriptions SubscriptionLister
	resync        ProfileResyncer
	settingsStore SettingsWriter
	settings      config.SettingsProvider
	invalidator   SettingsInvalidator
	validator     *core.Validator
	logger        *slog.Logger
}

// NewAdminHandler creates an AdminHandler. settingsStore and invalidator may
// be nil when runtime settings are disabled.
func NewAdminHandler(
	subscriptions SubscriptionLister,
	resync ProfileResyncer,
	settingsStore SettingsWriter,
	settings config.SettingsProvider,
	invalidator SettingsInvalidator,
	v *core.Validator,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdminHandler{
		subscriptions: subscriptions,
		resync:        resync,
		settingsStore: settingsStore,
		settings:      settings,
		invalidator:   invalidator,
		validator:     v,
		logger:        l,
	}
}

// RegisterRoutes mounts the admin endpoints under /admin.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/subscriptions", h.ListSubscriptions)
	r.Post("/users/{userID}/resync", h.Resync)
	r.Get("/settings", h.GetSettings)
	if h.settingsStore != nil {
		r.Put("/settings/{key}", h.UpdateSetting)
	}
}

// ListSubscriptions handles GET /admin/users/{userID}/subscriptions.
func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	records, err := h.subscriptions.ListSubscriptions(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	plan := types.PlanFree
	for _, rec := range records {
		if rec.Status == types.SubStatusActive && rec.PlanName.Priority() > plan.Priority() {
			plan = rec.PlanName
		}
	}
	if records == nil {
		records = []*types.SubscriptionRecord{}
	}
	core.JSON(w, r, http.StatusOK, SubscriptionsResponse{
		UserID:        userID,
		ResolvedPlan:  plan,
		Subscriptions: records,
	})
}

// Resync handles POST /admin/users/{userID}/resync.
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	profile, err := h.resync.ResyncUser(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admin resync failed", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin resync completed",
		"user_id", userID,
		"plan", profile.Plan,
	)
	core.JSON(w, r, http.StatusOK, profile)
}

type settingsResponse struct {
	FreeGrant      int64  `json:"free_grant"`
	HobbyistGrant  int64  `json:"hobbyist_grant"`
	RecoveryWindow string `json:"recovery_window"`
	ProPeriodDays  int    `json:"pro_period_days"`
}

// GetSettings handles GET /admin/settings.
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Current(r.Context())
	core.JSON(w, r, http.StatusOK, settingsResponse{
		FreeGrant:      s.FreeGrant,
		HobbyistGrant:  s.HobbyistGrant,
		RecoveryWindow: s.RecoveryWindow.String(),
		ProPeriodDays:  s.ProPeriodDays,
	})
}

// UpdateSetting handles PUT /admin/settings/{key}.
func (h *AdminHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	key := chi.URLParam(r, "key")
	if err := config.ValidateSetting(key, req.Value); err != nil {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"invalid setting value", err, map[string]any{"key": key}))
		return
	}

	if err := h.settingsStore.Upsert(r.Context(), key, req.Value); err != nil {
		core.Error(w, r, err)
		return
	}
	if h.invalidator != nil {
		h.invalidator.Invalidate()
	}
	h.logger.InfoContext(r.Context(), "setting updated", "key", key, "value", req.Value)
	h.GetSettings(w, r)
}
