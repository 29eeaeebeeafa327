package billing

import (
	"context"
	"log/slog"

	"planforge/internal/external"
	"planforge/internal/types"
)

// EntitlementService answers permission checks. Generation credits follow the
// balance model: one-time grants added to a balance that each generation
// decrements. Pro is unlimited.
type EntitlementService struct {
	sync     *Synchronizer
	profiles external.ProfileStore
	plans    PlanRegistry
	logger   *slog.Logger
}

// NewEntitlementService creates an EntitlementService.
func NewEntitlementService(sync *Synchronizer, profiles external.ProfileStore, plans PlanRegistry, logger *slog.Logger) *EntitlementService {
	if plans == nil {
		plans = NewStaticPlanRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementService{sync: sync, profiles: profiles, plans: plans, logger: logger}
}

// Check resolves the user's plan from durable records, expiring lapsed pro
// periods on the way, and repairs the profile when it disagrees.
func (s *EntitlementService) Check(ctx context.Context, userID string) (*types.Entitlement, error) {
	records, err := s.sync.ActiveRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan := ResolvePlan(records)

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.Plan != plan || !profile.Provisioned {
		s.logger.InfoContext(ctx, "profile plan out of date, repairing",
			"user_id", userID,
			"profile_plan", profile.Plan,
			"resolved_plan", plan,
		)
		if profile, err = s.sync.apply(ctx, userID, plan, "", types.SyncRepair); err != nil {
			return nil, err
		}
	}
	return s.entitlement(userID, plan, profile.GenerationBalance), nil
}

// Consume spends one generation credit. Unlimited plans are not charged.
// The decrement is written against the profile revision it was computed
// from, so a grant landing in between is re-read instead of overwritten.
func (s *EntitlementService) Consume(ctx context.Context, userID string) (*types.Entitlement, error) {
	if _, err := s.Check(ctx, userID); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		profile, err := s.profiles.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		ent := s.entitlement(userID, profile.Plan, profile.GenerationBalance)
		if ent.Unlimited {
			return ent, nil
		}
		if ent.GenerationBalance < 1 {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeLimitGenerations,
				"no generation credits left", nil, map[string]any{
					"plan":               ent.Plan,
					"generation_balance": ent.GenerationBalance,
				})
		}

		next := *profile
		next.GenerationBalance--
		err = s.profiles.UpdateProfile(ctx, next)
		if types.IsCode(err, types.ErrCodeConflictProfileChanged) && attempt < profileWriteAttempts {
			s.logger.DebugContext(ctx, "profile changed during consume, retrying",
				"user_id", userID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.entitlement(userID, next.Plan, next.GenerationBalance), nil
	}
}

func (s *EntitlementService) entitlement(userID string, plan types.PlanName, balance int64) *types.Entitlement {
	unlimited := s.plans.GetLimits(plan).UnlimitedGenerations
	return &types.Entitlement{
		UserID:            userID,
		Plan:              plan,
		GenerationBalance: balance,
		Unlimited:         unlimited,
		CanGenerate:       unlimited || balance > 0,
	}
}
