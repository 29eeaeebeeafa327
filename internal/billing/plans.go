// Package billing implements the subscription lifecycle: checkout, webhook
// event processing, recovery, plan resolution, profile synchronization and
// entitlement checks.
package billing

import "planforge/internal/types"

// ResolvePlan returns the highest-priority plan among active records, or free
// when there is none. Records in any other status are ignored. The result does
// not depend on input order.
func ResolvePlan(records []*types.SubscriptionRecord) types.PlanName {
	best := types.PlanFree
	for _, r := range records {
		if r == nil || r.Status != types.SubStatusActive {
			continue
		}
		if r.PlanName.Priority() > best.Priority() {
			best = r.PlanName
		}
	}
	return best
}

// PlanLimits is what a plan allows once resolved.
type PlanLimits struct {
	// UnlimitedGenerations skips credit accounting entirely.
	UnlimitedGenerations bool
}

// PlanRegistry returns the limits for a plan. Unknown plans get free limits.
type PlanRegistry interface {
	GetLimits(plan types.PlanName) PlanLimits
}

type staticPlanRegistry struct {
	limits map[types.PlanName]PlanLimits
}

var planDefaults = map[types.PlanName]PlanLimits{
	types.PlanFree:     {UnlimitedGenerations: false},
	types.PlanHobbyist: {UnlimitedGenerations: false},
	types.PlanPro:      {UnlimitedGenerations: true},
}

// NewStaticPlanRegistry returns the built-in registry.
func NewStaticPlanRegistry() PlanRegistry {
	m := make(map[types.PlanName]PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

func (r *staticPlanRegistry) GetLimits(plan types.PlanName) PlanLimits {
	if l, ok := r.limits[plan]; ok {
		return l
	}
	return r.limits[types.PlanFree]
}
