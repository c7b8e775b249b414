package api

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"licensegate/internal/keys"
	"licensegate/internal/models"
	"licensegate/internal/ratelimit"
	"licensegate/internal/resolver"
	"licensegate/internal/siteurl"
	"licensegate/internal/store"
)

// touchInterval throttles last_verified_at writes from verify calls.
// Activation always writes.
const touchInterval = 10 * time.Minute

// verifyCacheSeconds is advertised to callers so plugins can skip re-verifying
// on every page load.
const verifyCacheSeconds = 300

type licenseRequest struct {
	LicenseKey string `json:"license_key"`
	SiteURL    string `json:"site_url"`
}

type licenseView struct {
	Key            string     `json:"key"`
	PlanSlug       string     `json:"plan_slug"`
	Status         string     `json:"status"`
	MaxSites       int64      `json:"max_sites"`
	UnlimitedSites bool       `json:"unlimited_sites"`
	AIIncluded     bool       `json:"ai_included"`
	ByoKeyRequired bool       `json:"byo_key_required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type activationView struct {
	SiteURL        string     `json:"site_url"`
	Activated      bool       `json:"activated"`
	ActivatedAt    time.Time  `json:"activated_at"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	AlreadyActive  bool       `json:"already_active"`
}

func viewLicense(lic *models.License) licenseView {
	ent := models.EffectiveEntitlements(lic)
	return licenseView{
		Key:            models.MaskKey(lic.Key),
		PlanSlug:       lic.PlanSlug,
		Status:         string(lic.Status),
		MaxSites:       ent.MaxSites,
		UnlimitedSites: ent.UnlimitedSites,
		AIIncluded:     ent.AIIncluded,
		ByoKeyRequired: ent.ByoKeyRequired,
		ExpiresAt:      lic.ExpiresAt,
	}
}

func viewActivation(act *models.Activation, alreadyActive bool) activationView {
	return activationView{
		SiteURL:        act.SiteURL,
		Activated:      true,
		ActivatedAt:    act.ActivatedAt,
		LastVerifiedAt: act.LastVerifiedAt,
		AlreadyActive:  alreadyActive,
	}
}

// prepare parses the shared request shape and runs the rate limiter and key
// resolution steps every lifecycle endpoint shares.
func (s *Server) prepare(c *fiber.Ctx, scope string) (*models.License, *licenseRequest, *apiError) {
	var req licenseRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, nil, errValidation("malformed_body", "request body must be JSON")
	}

	rawKey := resolver.ExtractKey(req.LicenseKey, func(name string) string { return c.Get(name) })
	if rawKey == "" {
		return nil, nil, errValidation("missing_license_key", "license_key is required")
	}

	if err := s.limiter.Allow(c.Context(), scope, c.IP(), rawKey); err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrIPLimit):
			return nil, nil, errRateLimited("ip")
		case errors.Is(err, ratelimit.ErrKeyLimit):
			return nil, nil, errRateLimited("license_key")
		default:
			return nil, nil, errRateUnavailable()
		}
	}

	lic, err := s.resolver.Resolve(c.Context(), rawKey)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrBadKeyFormat):
			return nil, nil, errValidation("invalid_license_key", "license_key format not recognized")
		case errors.Is(err, store.ErrNotFound):
			return nil, nil, errLicenseNotFound()
		default:
			s.log.Error("license resolution failed", zap.Error(err))
			return nil, nil, errServer()
		}
	}
	return lic, &req, nil
}

func (s *Server) handleActivate(c *fiber.Ctx) error {
	lic, req, apiErr := s.prepare(c, "activate")
	if apiErr != nil {
		return fail(c, apiErr)
	}

	siteStrict, err := siteurl.Normalize(req.SiteURL)
	if err != nil {
		return fail(c, errValidation("invalid_site_url", "site_url is not a usable URL"))
	}
	if !lic.IsActive() {
		return fail(c, errForbidden("license_inactive", "license is not active"))
	}

	// Re-activating an already bound site is idempotent: touch and report.
	act, err := s.matcher.Match(c.Context(), lic.ID, siteStrict)
	if err == nil {
		return s.finishActivate(c, lic, act, true)
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.log.Error("activation lookup failed", zap.Error(err))
		return fail(c, errServer())
	}

	ent := models.EffectiveEntitlements(lic)
	newAct := &models.Activation{LicenseID: lic.ID, SiteURL: siteStrict}
	err = s.db.CreateActivation(c.Context(), newAct, ent.MaxSites, ent.UnlimitedSites)
	switch {
	case err == nil:
		return s.finishActivate(c, lic, newAct, false)
	case errors.Is(err, store.ErrSeatLimit):
		return fail(c, errForbidden("site_limit_reached", "all activation seats are in use"))
	case errors.Is(err, store.ErrDuplicateActivation):
		// Lost a race with a concurrent activation of the same site.
		act, ferr := s.matcher.Match(c.Context(), lic.ID, siteStrict)
		if ferr != nil {
			s.log.Error("activation re-read failed", zap.Error(ferr))
			return fail(c, errServer())
		}
		return s.finishActivate(c, lic, act, true)
	default:
		s.log.Error("activation insert failed", zap.Error(err))
		return fail(c, errServer())
	}
}

func (s *Server) finishActivate(c *fiber.Ctx, lic *models.License, act *models.Activation, already bool) error {
	now := time.Now().UTC()
	if err := s.db.Touch(c.Context(), act.ID, now); err != nil {
		s.log.Warn("touch failed", zap.Int64("activation_id", act.ID), zap.Error(err))
	} else {
		act.LastVerifiedAt = &now
	}

	s.log.Info("site activated",
		zap.String("key", models.MaskKey(lic.Key)),
		zap.String("site", act.SiteURL),
		zap.Bool("already_active", already))

	return ok(c, fiber.Map{
		"license":    viewLicense(lic),
		"activation": viewActivation(act, already),
	})
}

func (s *Server) handleVerify(c *fiber.Ctx) error {
	lic, req, apiErr := s.prepare(c, "verify")
	if apiErr != nil {
		return fail(c, apiErr)
	}

	siteStrict, err := siteurl.Normalize(req.SiteURL)
	if err != nil {
		return fail(c, errValidation("invalid_site_url", "site_url is not a usable URL"))
	}
	if !lic.IsActive() {
		return fail(c, errForbidden("license_inactive", "license is not active"))
	}

	act, err := s.matcher.Match(c.Context(), lic.ID, siteStrict)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(c, errForbidden("not_activated", "site is not activated under this license"))
		}
		s.log.Error("activation lookup failed", zap.Error(err))
		return fail(c, errServer())
	}

	now := time.Now().UTC()
	if act.LastVerifiedAt == nil || now.Sub(*act.LastVerifiedAt) >= touchInterval {
		if err := s.db.Touch(c.Context(), act.ID, now); err != nil {
			s.log.Warn("touch failed", zap.Int64("activation_id", act.ID), zap.Error(err))
		} else {
			act.LastVerifiedAt = &now
		}
	}

	used, err := s.db.CountActivations(c.Context(), lic.ID)
	if err != nil {
		s.log.Error("seat count failed", zap.Error(err))
		return fail(c, errServer())
	}

	ent := models.EffectiveEntitlements(lic)
	c.Set(fiber.HeaderCacheControl, "private, max-age=300")
	return ok(c, fiber.Map{
		"license":    viewLicense(lic),
		"activation": viewActivation(act, true),
		"sites": fiber.Map{
			"used":      used,
			"max":       ent.MaxSites,
			"unlimited": ent.UnlimitedSites,
		},
		"tokens":        models.SnapshotTokens(lic, now),
		"cache_seconds": verifyCacheSeconds,
		"server_time":   now.Format(time.RFC3339),
	})
}

func (s *Server) handleDeactivate(c *fiber.Ctx) error {
	lic, req, apiErr := s.prepare(c, "deactivate")
	if apiErr != nil {
		return fail(c, apiErr)
	}

	siteStrict, err := siteurl.Normalize(req.SiteURL)
	if err != nil {
		return fail(c, errValidation("invalid_site_url", "site_url is not a usable URL"))
	}

	// Cleanup is never blocked by entitlement checks: inactive and expired
	// licenses may still deactivate.
	act, err := s.matcher.Match(c.Context(), lic.ID, siteStrict)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ok(c, fiber.Map{"removed": 0, "site_url": siteStrict})
		}
		s.log.Error("activation lookup failed", zap.Error(err))
		return fail(c, errServer())
	}

	if err := s.db.DeleteActivation(c.Context(), act.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ok(c, fiber.Map{"removed": 0, "site_url": siteStrict})
		}
		s.log.Error("deactivation failed", zap.Error(err))
		return fail(c, errServer())
	}

	s.log.Info("site deactivated",
		zap.String("key", models.MaskKey(lic.Key)),
		zap.String("site", act.SiteURL))
	return ok(c, fiber.Map{"removed": 1, "site_url": siteStrict})
}

type issueRequest struct {
	PlanSlug  string     `json:"plan_slug"`
	MaxSites  *int64     `json:"max_sites,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleIssue creates a license with plan-default entitlements. Fulfillment
// is the only caller, and the only moment the full key is ever returned.
func (s *Server) handleIssue(c *fiber.Ctx) error {
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errValidation("malformed_body", "request body must be JSON"))
	}
	if req.PlanSlug == "" {
		return fail(c, errValidation("missing_plan", "plan_slug is required"))
	}

	key, err := keys.GenerateUnique(func(k string) (bool, error) {
		return s.db.KeyExists(c.Context(), k)
	})
	if err != nil {
		s.log.Error("key generation failed", zap.Error(err))
		return fail(c, errServer())
	}

	defaults := models.DefaultsForPlan(req.PlanSlug)
	lic := &models.License{
		Key:            key,
		PlanSlug:       req.PlanSlug,
		Status:         models.LicenseStatusActive,
		UnlimitedSites: defaults.UnlimitedSites,
		ByoKeyRequired: defaults.ByoKeyRequired,
		AIIncluded:     defaults.AIIncluded,
		ExpiresAt:      req.ExpiresAt,
	}
	if req.MaxSites != nil {
		lic.MaxSites = req.MaxSites
	} else if defaults.MaxSites > 0 {
		lic.MaxSites = &defaults.MaxSites
	}
	if defaults.MonthlyTokens > 0 {
		lic.MonthlyTokenLimit = &defaults.MonthlyTokens
	}

	sum := sha256.Sum256([]byte(key))
	if err := s.db.CreateLicense(c.Context(), lic, hex.EncodeToString(sum[:])); err != nil {
		s.log.Error("license insert failed", zap.Error(err))
		return fail(c, errServer())
	}

	s.log.Info("license issued",
		zap.String("key", models.MaskKey(key)),
		zap.String("plan", req.PlanSlug))

	view := viewLicense(lic)
	return ok(c, fiber.Map{
		"license":     view,
		"license_key": key,
	})
}
