package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"licensegate/internal/auth"
	"licensegate/internal/models"
	"licensegate/internal/resolver"
	"licensegate/internal/siteurl"
	"licensegate/internal/store"
)

type storeRequest struct {
	LicenseKey string `json:"license_key"`
	SiteURL    string `json:"site_url"`
	Target     string `json:"target"`
	Payload    any    `json:"payload"`
}

// handleStore authorizes the caller and forwards the payload to the delegate
// target, returning the normalized outcome verbatim.
func (s *Server) handleStore(c *fiber.Ctx) error {
	var req storeRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errValidation("malformed_body", "request body must be JSON"))
	}

	rawKey := resolver.ExtractKey(req.LicenseKey, func(name string) string { return c.Get(name) })
	if _, err := s.gateway.Authorize(c.Context(), c.Get(secretHeader), rawKey, req.SiteURL); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			return fail(c, errUnauthorized())
		}
		s.log.Error("authorization failed", zap.Error(err))
		return fail(c, errServer())
	}

	if req.Target == "" {
		return fail(c, errValidation("missing_target", "target is required"))
	}

	out, err := s.delegate.Push(c.Context(), req.Target, req.Payload)
	if err != nil {
		s.log.Error("delegate push failed", zap.Error(err))
		return fail(c, errServer())
	}
	s.metrics.StoreOutcomes.WithLabelValues(out.Mode).Inc()
	return c.Status(fiber.StatusOK).JSON(out)
}

type usageRequest struct {
	LicenseKey       string `json:"license_key"`
	SiteURL          string `json:"site_url"`
	View             string `json:"view"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
	OK               *bool  `json:"ok,omitempty"`
	ErrorCode        string `json:"error_code"`
}

// handleUsageReport records one AI call's token cost. Metering is best
// effort: once the caller is authorized, attribution or recording problems
// report recorded:false instead of failing the request.
func (s *Server) handleUsageReport(c *fiber.Ctx) error {
	var req usageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errValidation("malformed_body", "request body must be JSON"))
	}

	rawKey := resolver.ExtractKey(req.LicenseKey, func(name string) string { return c.Get(name) })
	site := s.recoverSite(c, req.SiteURL)

	dec, err := s.gateway.Authorize(c.Context(), c.Get(secretHeader), rawKey, site)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			return fail(c, errUnauthorized())
		}
		s.log.Error("authorization failed", zap.Error(err))
		return fail(c, errServer())
	}

	licenseID, activationID := s.attributeUsage(c, dec, rawKey, site)
	if licenseID == 0 {
		s.metrics.UsageEvents.WithLabelValues("derive_failed").Inc()
		s.log.Warn("usage not attributable",
			zap.Int("key_len", len(rawKey)),
			zap.String("site", site))
		return ok(c, fiber.Map{"recorded": false, "reason": "not_attributable"})
	}

	ev := models.NewUsageEvent(licenseID, site, req.View, req.Provider)
	ev.Model = req.Model
	ev.ErrorCode = req.ErrorCode
	if activationID != 0 {
		ev.ActivationID = &activationID
	}
	if req.OK != nil {
		ev.OK = *req.OK
	}
	ev.SetTokens(req.PromptTokens, req.CompletionTokens, req.TotalTokens)

	s.meter.Record(c.Context(), ev)
	return ok(c, fiber.Map{"recorded": true, "total_tokens": ev.TotalTokens})
}

// recoverSite finds a usable site identity: the explicit field, then the
// dedicated header, then standard browser origin headers.
func (s *Server) recoverSite(c *fiber.Ctx, explicit string) string {
	for _, v := range []string{explicit, c.Get("X-PPA-Site"), c.Get(fiber.HeaderOrigin), c.Get(fiber.HeaderReferer)} {
		if v != "" {
			return v
		}
	}
	return ""
}

// attributeUsage pins the report to a license. The authorization decision
// already carries the identity on the license path; secret-path calls derive
// it from the key or, failing that, from the site's activation.
func (s *Server) attributeUsage(c *fiber.Ctx, dec *auth.Decision, rawKey, site string) (licenseID, activationID int64) {
	if dec.LicenseID != 0 {
		return dec.LicenseID, dec.ActivationID
	}

	if rawKey != "" {
		if lic, err := s.resolver.Resolve(c.Context(), rawKey); err == nil {
			if act, err := s.matcher.Match(c.Context(), lic.ID, site); err == nil {
				return lic.ID, act.ID
			}
			return lic.ID, 0
		}
	}

	if site == "" {
		return 0, 0
	}
	variants, err := siteurl.Variants(site)
	if err != nil {
		return 0, 0
	}
	act, err := s.db.FindBySite(c.Context(), variants)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("usage site lookup failed", zap.Error(err))
		}
		return 0, 0
	}
	return act.LicenseID, act.ID
}
