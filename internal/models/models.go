// Package models provides database models for the licensing service.
package models

import (
	"time"
)

// LicenseStatus represents the lifecycle status of a license.
type LicenseStatus string

const (
	LicenseStatusActive   LicenseStatus = "active"
	LicenseStatusCanceled LicenseStatus = "canceled"
	LicenseStatusExpired  LicenseStatus = "expired"
	LicenseStatusPaused   LicenseStatus = "paused"
)

// Plan slugs sold through checkout. "tyler" is the early-bird plan and maps to
// creator-class entitlements.
const (
	PlanSolo      = "solo"
	PlanCreator   = "creator"
	PlanStudio    = "studio"
	PlanAgency    = "agency"
	PlanAgencyBYO = "agency_byo"
	PlanTyler     = "tyler"
)

// License is the authoritative record of a purchased entitlement.
type License struct {
	ID                int64         `db:"id" json:"id"`
	Key               string        `db:"key" json:"-"` // Never expose the raw key
	PlanSlug          string        `db:"plan_slug" json:"plan_slug"`
	Status            LicenseStatus `db:"status" json:"status"`
	MaxSites          *int64        `db:"max_sites" json:"max_sites,omitempty"` // nil means unset
	UnlimitedSites    bool          `db:"unlimited_sites" json:"unlimited_sites"`
	ByoKeyRequired    bool          `db:"byo_key_required" json:"byo_key_required"`
	AIIncluded        bool          `db:"ai_included" json:"ai_included"`
	MonthlyTokenLimit *int64        `db:"monthly_token_limit" json:"-"`
	MonthlyTokensUsed *int64        `db:"monthly_tokens_used" json:"-"`
	ExpiresAt         *time.Time    `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the license grants access right now: status must be
// active and the expiry, when set, must be in the future.
func (l *License) IsActive() bool {
	if l.Status != LicenseStatusActive {
		return false
	}
	if l.ExpiresAt != nil && time.Now().After(*l.ExpiresAt) {
		return false
	}
	return true
}

// Activation binds one site to one license, consuming one seat.
// (license_id, site_url) is unique; site_url is always the strict canonical form.
type Activation struct {
	ID              int64      `db:"id" json:"id"`
	LicenseID       int64      `db:"license_id" json:"license_id"`
	SiteURL         string     `db:"site_url" json:"site_url"`
	SiteFingerprint string     `db:"site_fingerprint" json:"site_fingerprint,omitempty"`
	ActivatedAt     time.Time  `db:"activated_at" json:"activated_at"`
	LastVerifiedAt  *time.Time `db:"last_verified_at" json:"last_verified_at,omitempty"`
}

// UsageEvent is one AI-provider call's token cost. Events are append-only.
type UsageEvent struct {
	ID               int64     `db:"id" json:"id"`
	LicenseID        int64     `db:"license_id" json:"license_id"`
	ActivationID     *int64    `db:"activation_id" json:"activation_id,omitempty"`
	SiteURL          string    `db:"site_url" json:"site_url"`
	View             string    `db:"view" json:"view"`
	Provider         string    `db:"provider" json:"provider"`
	Model            string    `db:"model" json:"model,omitempty"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens" json:"total_tokens"`
	OK               bool      `db:"ok" json:"ok"`
	ErrorCode        string    `db:"error_code" json:"error_code,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// NewUsageEvent builds a usage event with clamped token counts. TotalTokens
// defaults to prompt+completion when the provider did not report it.
func NewUsageEvent(licenseID int64, siteURL, view, provider string) *UsageEvent {
	if provider == "" {
		provider = "openai"
	}
	return &UsageEvent{
		LicenseID: licenseID,
		SiteURL:   siteURL,
		View:      view,
		Provider:  provider,
		OK:        true,
		CreatedAt: time.Now(),
	}
}

// SetTokens fills the token counters, clamping negatives to zero and deriving
// the total when it was not independently supplied.
func (e *UsageEvent) SetTokens(prompt, completion int64, total *int64) {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	e.PromptTokens = prompt
	e.CompletionTokens = completion
	if total != nil && *total >= 0 {
		e.TotalTokens = *total
		return
	}
	e.TotalTokens = prompt + completion
}

// MaskKey formats a license key for display and logs. Full keys are never
// logged or returned once issued.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
