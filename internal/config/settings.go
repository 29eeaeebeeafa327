package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"planforge/internal/types"
)

// BillingSettings are the operator-tunable values read on every billing
// operation.
type BillingSettings struct {
	FreeGrant      int64
	HobbyistGrant  int64
	RecoveryWindow time.Duration
	ProPeriodDays  int
}

// SettingsProvider serves the current BillingSettings. Implementations must be
// safe for concurrent use.
type SettingsProvider interface {
	Current(ctx context.Context) BillingSettings
}

// SettingsFromConfig builds the env-derived defaults.
func SettingsFromConfig(cfg *Config) BillingSettings {
	return BillingSettings{
		FreeGrant:      cfg.Credits.FreeGrant,
		HobbyistGrant:  cfg.Credits.HobbyistGrant,
		RecoveryWindow: cfg.Billing.RecoveryWindow,
		ProPeriodDays:  cfg.Billing.ProPeriodDays,
	}
}

// StaticSettings always returns the same values.
type StaticSettings BillingSettings

// Current implements SettingsProvider.
func (s StaticSettings) Current(context.Context) BillingSettings {
	return BillingSettings(s)
}

// Setting keys understood by CachedSettings.
const (
	SettingFreeGrant      = "free_grant"
	SettingHobbyistGrant  = "hobbyist_grant"
	SettingRecoveryWindow = "recovery_window"
	SettingProPeriodDays  = "pro_period_days"
)

// SettingsLoader returns raw key/value overrides, typically from the
// app_settings table.
type SettingsLoader interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
}

// CachedSettings overlays loader values on a base and refreshes them when the
// cached copy is older than ttl. A failed refresh keeps serving the previous
// values and retries on the next call after ttl.
type CachedSettings struct {
	base   BillingSettings
	loader SettingsLoader
	ttl    time.Duration
	clock  types.Clock
	logger *slog.Logger

	mu       sync.Mutex
	current  BillingSettings
	loadedAt time.Time
	loaded   bool
}

// NewCachedSettings creates a CachedSettings. A nil clock uses RealClock.
func NewCachedSettings(base BillingSettings, loader SettingsLoader, ttl time.Duration, clock types.Clock, logger *slog.Logger) *CachedSettings {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSettings{
		base:    base,
		loader:  loader,
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
		current: base,
	}
}

// Current implements SettingsProvider.
func (c *CachedSettings) Current(ctx context.Context) BillingSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.loaded && now.Sub(c.loadedAt) < c.ttl {
		return c.current
	}

	raw, err := c.loader.LoadSettings(ctx)
	// Stamp the attempt either way so a broken loader is retried once per ttl.
	c.loadedAt = now
	c.loaded = true
	if err != nil {
		c.logger.WarnContext(ctx, "settings refresh failed, serving previous values", "error", err)
		return c.current
	}
	c.current = applyOverrides(c.base, raw, c.logger)
	return c.current
}

// Invalidate forces the next Current call to reload.
func (c *CachedSettings) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

func applyOverrides(base BillingSettings, raw map[string]string, logger *slog.Logger) BillingSettings {
	out := base
	for key, value := range raw {
		var err error
		switch key {
		case SettingFreeGrant:
			out.FreeGrant, err = parseNonNegative(value)
		case SettingHobbyistGrant:
			out.HobbyistGrant, err = parseNonNegative(value)
		case SettingRecoveryWindow:
			out.RecoveryWindow, err = time.ParseDuration(value)
		case SettingProPeriodDays:
			var days int64
			days, err = parseNonNegative(value)
			if err == nil && days > 0 {
				out.ProPeriodDays = int(days)
			}
		default:
			continue
		}
		if err != nil {
			logger.Warn("ignoring invalid setting", "key", key, "value", value, "error", err)
		}
	}
	// A bad value must not leave a half-parsed field behind.
	if out.FreeGrant < 0 {
		out.FreeGrant = base.FreeGrant
	}
	if out.HobbyistGrant < 0 {
		out.HobbyistGrant = base.HobbyistGrant
	}
	if out.RecoveryWindow <= 0 {
		out.RecoveryWindow = base.RecoveryWindow
	}
	return out
}

func parseNonNegative(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1, err
	}
	if n < 0 {
		return -1, strconv.ErrRange
	}
	return n, nil
}

// ValidateSetting checks a single override before it is stored.
func ValidateSetting(key, value string) error {
	switch key {
	case SettingFreeGrant, SettingHobbyistGrant:
		_, err := parseNonNegative(value)
		return err
	case SettingProPeriodDays:
		n, err := parseNonNegative(value)
		if err == nil && n == 0 {
			return strconv.ErrRange
		}
		return err
	case SettingRecoveryWindow:
		d, err := time.ParseDuration(value)
		if err == nil && d <= 0 {
			return strconv.ErrRange
		}
		return err
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}
