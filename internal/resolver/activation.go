package resolver

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"licensegate/internal/logger"
	"licensegate/internal/models"
	"licensegate/internal/siteurl"
	"licensegate/internal/store"
)

// ActivationSource is the store surface the matcher needs.
type ActivationSource interface {
	FindExact(ctx context.Context, licenseID int64, siteURLs []string) (*models.Activation, error)
	ListActivations(ctx context.Context, licenseID int64) ([]models.Activation, error)
}

// Matcher decides whether a site is activated under a license.
type Matcher struct {
	activations ActivationSource
	log         *zap.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(activations ActivationSource) *Matcher {
	return &Matcher{
		activations: activations,
		log:         logger.With(zap.String("component", "resolver")),
	}
}

// Match finds the activation binding licenseID to rawSiteURL. The fast path is
// an exact query over the strict canonical variants; on miss, a bounded window
// of the license's activations is scanned with loose comparison, which covers
// rows stored under conventions the variant set does not reproduce. Returns
// store.ErrNotFound when the site is simply not activated.
func (m *Matcher) Match(ctx context.Context, licenseID int64, rawSiteURL string) (*models.Activation, error) {
	variants, err := siteurl.Variants(rawSiteURL)
	if err != nil {
		return nil, err
	}

	act, err := m.activations.FindExact(ctx, licenseID, variants)
	if err == nil {
		return act, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	list, err := m.activations.ListActivations(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if siteurl.LooseEqual(list[i].SiteURL, rawSiteURL) {
			m.log.Debug("activation matched loosely",
				zap.Int64("license_id", licenseID),
				zap.String("stored", list[i].SiteURL))
			return &list[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// Matches is the boolean form of Match.
func (m *Matcher) Matches(ctx context.Context, licenseID int64, rawSiteURL string) (bool, error) {
	_, err := m.Match(ctx, licenseID, rawSiteURL)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}
