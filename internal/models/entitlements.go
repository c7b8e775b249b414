package models

import (
	"time"
)

// PlanDefaults are the fallback entitlements per plan slug. The license row is
// authoritative; defaults apply only when a field is unset (0/NULL was used as
// "unset" in early data, so non-unlimited plans never resolve to 0 sites and
// AI-included plans never resolve to 0 tokens).
type PlanDefaults struct {
	MaxSites       int64
	UnlimitedSites bool
	MonthlyTokens  int64
	AIIncluded     bool
	ByoKeyRequired bool
}

var planDefaults = map[string]PlanDefaults{
	PlanTyler:     {MaxSites: 3, MonthlyTokens: 500_000, AIIncluded: true},
	PlanSolo:      {MaxSites: 1, MonthlyTokens: 200_000, AIIncluded: true},
	PlanCreator:   {MaxSites: 3, MonthlyTokens: 500_000, AIIncluded: true},
	PlanStudio:    {MaxSites: 10, MonthlyTokens: 1_500_000, AIIncluded: true},
	PlanAgency:    {MaxSites: 25, MonthlyTokens: 4_000_000, AIIncluded: true},
	PlanAgencyBYO: {UnlimitedSites: true, ByoKeyRequired: true},
}

// DefaultsForPlan returns the fallback entitlements for a plan slug.
func DefaultsForPlan(slug string) PlanDefaults {
	if d, ok := planDefaults[slug]; ok {
		return d
	}
	return PlanDefaults{AIIncluded: true}
}

// Entitlements is the resolved set of limits a license currently grants.
type Entitlements struct {
	PlanSlug       string
	MaxSites       int64
	UnlimitedSites bool
	MonthlyTokens  int64
	AIIncluded     bool
	ByoKeyRequired bool
	Source         string // license_fields | plan_defaults | mixed
}

// SeatLimitAllows reports whether one more activation fits under the limit
// given the current count. Unlimited licenses always allow.
func (e Entitlements) SeatLimitAllows(current int64) bool {
	if e.UnlimitedSites {
		return true
	}
	if e.MaxSites <= 0 {
		return false
	}
	return current < e.MaxSites
}

// EffectiveEntitlements resolves the license's limits, falling back to plan
// defaults where the row has no usable value.
func EffectiveEntitlements(lic *License) Entitlements {
	fb := DefaultsForPlan(lic.PlanSlug)

	ent := Entitlements{
		PlanSlug:       lic.PlanSlug,
		UnlimitedSites: lic.UnlimitedSites,
		AIIncluded:     lic.AIIncluded,
		ByoKeyRequired: lic.ByoKeyRequired,
	}

	defaultedSites := false
	if lic.MaxSites != nil {
		ent.MaxSites = *lic.MaxSites
	} else {
		ent.MaxSites = fb.MaxSites
		defaultedSites = true
	}
	// 0 means "unset" for non-unlimited plans.
	if !ent.UnlimitedSites && ent.MaxSites <= 0 {
		ent.MaxSites = fb.MaxSites
		defaultedSites = true
	}

	defaultedTokens := false
	if lic.MonthlyTokenLimit != nil {
		ent.MonthlyTokens = *lic.MonthlyTokenLimit
	} else {
		ent.MonthlyTokens = fb.MonthlyTokens
		defaultedTokens = true
	}
	// AI-included plans must never report a 0 token allowance: 0 means "unset".
	if ent.AIIncluded && !ent.ByoKeyRequired && ent.MonthlyTokens <= 0 {
		ent.MonthlyTokens = fb.MonthlyTokens
		if ent.MonthlyTokens <= 0 {
			ent.MonthlyTokens = DefaultsForPlan(PlanCreator).MonthlyTokens
		}
		defaultedTokens = true
	}

	switch {
	case defaultedSites && defaultedTokens:
		ent.Source = "plan_defaults"
	case defaultedSites || defaultedTokens:
		ent.Source = "mixed"
	default:
		ent.Source = "license_fields"
	}
	return ent
}

// TokenSnapshot is the deterministic token accounting block returned by verify.
type TokenSnapshot struct {
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	MonthlyLimit     int64     `json:"monthly_limit"`
	MonthlyUsed      int64     `json:"monthly_used"`
	MonthlyRemaining int64     `json:"monthly_remaining"`
}

// SnapshotTokens computes the current-period token accounting for a license.
// The billing period falls back to calendar-month bounds when the license does
// not carry explicit period fields.
func SnapshotTokens(lic *License, now time.Time) TokenSnapshot {
	start, end := monthBounds(now)

	ent := EffectiveEntitlements(lic)
	var used int64
	if lic.MonthlyTokensUsed != nil && *lic.MonthlyTokensUsed > 0 {
		used = *lic.MonthlyTokensUsed
	}
	remaining := ent.MonthlyTokens - used
	if remaining < 0 {
		remaining = 0
	}
	return TokenSnapshot{
		PeriodStart:      start,
		PeriodEnd:        end,
		MonthlyLimit:     ent.MonthlyTokens,
		MonthlyUsed:      used,
		MonthlyRemaining: remaining,
	}
}

func monthBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 1, 0)
}
