// Package auth decides whether a caller may use the metering and delegate
// endpoints. Two proof paths exist: the plugin's shared secret, and an active
// license with a matching site activation. Key-path decisions are cached
// briefly in Redis so a busy editor session does not hit MySQL on every
// autosave; the cache expires by TTL only, no write path busts it.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"licensegate/internal/logger"
	"licensegate/internal/metrics"
	"licensegate/internal/models"
	"licensegate/internal/resolver"
	"licensegate/internal/siteurl"
	"licensegate/internal/store"
)

// ErrUnauthorized means no proof path accepted the request.
var ErrUnauthorized = errors.New("unauthorized")

// Proof paths reported in decisions and metrics.
const (
	PathSharedSecret = "shared_secret"
	PathLicense      = "license"
)

// Decision is a cached authorization outcome. Negative outcomes are cached
// too, so a misbehaving client cannot turn every retry into a storage round
// trip. Raw keys never reach the cache, only the resolved identity.
type Decision struct {
	Allowed      bool   `msgpack:"ok"`
	LicenseID    int64  `msgpack:"lid"`
	ActivationID int64  `msgpack:"aid"`
	PlanSlug     string `msgpack:"plan"`
	Path         string `msgpack:"path"`
}

// LicenseResolver resolves raw keys to licenses.
type LicenseResolver interface {
	Resolve(ctx context.Context, rawKey string) (*models.License, error)
}

// ActivationMatcher finds the activation binding a license to a site.
type ActivationMatcher interface {
	Match(ctx context.Context, licenseID int64, rawSiteURL string) (*models.Activation, error)
}

// Gateway authorizes metering and delegate calls.
type Gateway struct {
	secret   string
	resolver LicenseResolver
	matcher  ActivationMatcher
	rdb      redis.UniversalClient
	ttl      time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New creates a Gateway. An empty secret disables the shared-secret path.
func New(secret string, resolver LicenseResolver, matcher ActivationMatcher, rdb redis.UniversalClient, ttl time.Duration, m *metrics.Metrics) *Gateway {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Gateway{
		secret:   normalizeSecret(secret),
		resolver: resolver,
		matcher:  matcher,
		rdb:      rdb,
		ttl:      ttl,
		metrics:  m,
		log:      logger.With(zap.String("component", "auth")),
	}
}

// normalizeSecret strips whitespace, line breaks and outer quotes. Secrets
// arrive from env files and proxy headers that add all three.
func normalizeSecret(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// CheckSecret compares a provided secret against the configured one in
// constant time.
func (g *Gateway) CheckSecret(provided string) bool {
	provided = normalizeSecret(provided)
	if g.secret == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(g.secret), []byte(provided)) == 1
}

// cacheKey derives the Redis key for a (license key, site) decision. Only a
// digest prefix ever reaches Redis.
func cacheKey(rawKey, rawSiteURL string) string {
	sum := sha256.Sum256([]byte(rawKey + "|" + siteurl.Loose(rawSiteURL)))
	return "auth:" + hex.EncodeToString(sum[:])[:24]
}

// Authorize evaluates the shared-secret path first, then the license path.
// The secret path is checked first because the license path touches storage.
// Licenses must be active and the site must hold an activation. Cache
// failures fall through to storage; the cache is an optimization, not an
// authority.
func (g *Gateway) Authorize(ctx context.Context, providedSecret, rawKey, rawSiteURL string) (*Decision, error) {
	if g.CheckSecret(providedSecret) {
		g.metrics.AuthDecisions.WithLabelValues(PathSharedSecret, "allow").Inc()
		g.log.Debug("authorization allowed",
			zap.String("path", PathSharedSecret),
			zap.Int("secret_len", len(providedSecret)))
		return &Decision{Allowed: true, Path: PathSharedSecret}, nil
	}

	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		g.metrics.AuthDecisions.WithLabelValues(PathSharedSecret, "deny").Inc()
		g.log.Info("authorization denied",
			zap.Int("secret_len", len(providedSecret)),
			zap.Bool("key_present", false))
		return nil, ErrUnauthorized
	}

	if dec := g.cached(ctx, rawKey, rawSiteURL); dec != nil {
		g.logDecision(dec.Allowed, rawKey, rawSiteURL)
		if !dec.Allowed {
			g.metrics.AuthDecisions.WithLabelValues(PathLicense, "deny").Inc()
			return nil, ErrUnauthorized
		}
		g.metrics.AuthDecisions.WithLabelValues(PathLicense, "allow").Inc()
		return dec, nil
	}

	dec, err := g.decide(ctx, rawKey, rawSiteURL)
	if err != nil {
		return nil, err
	}
	g.cache(ctx, rawKey, rawSiteURL, dec)
	g.logDecision(dec.Allowed, rawKey, rawSiteURL)
	if !dec.Allowed {
		g.metrics.AuthDecisions.WithLabelValues(PathLicense, "deny").Inc()
		return nil, ErrUnauthorized
	}
	g.metrics.AuthDecisions.WithLabelValues(PathLicense, "allow").Inc()
	return dec, nil
}

// logDecision records every license-path outcome with input lengths only.
// Raw keys and site URLs never reach the log.
func (g *Gateway) logDecision(allowed bool, rawKey, rawSiteURL string) {
	g.log.Info("authorization decision",
		zap.Bool("allowed", allowed),
		zap.String("path", PathLicense),
		zap.Int("key_len", len(rawKey)),
		zap.Int("site_len", len(rawSiteURL)))
}

// decide runs the uncached license path. Only definitive outcomes are
// returned; hard storage errors surface as errors and are never cached.
func (g *Gateway) decide(ctx context.Context, rawKey, rawSiteURL string) (*Decision, error) {
	lic, err := g.resolver.Resolve(ctx, rawKey)
	if err != nil {
		if isDefinitiveMiss(err) {
			return &Decision{Path: PathLicense}, nil
		}
		return nil, err
	}
	if !lic.IsActive() {
		return &Decision{Path: PathLicense}, nil
	}

	act, err := g.matcher.Match(ctx, lic.ID, rawSiteURL)
	if err != nil {
		if isDefinitiveMiss(err) {
			return &Decision{Path: PathLicense}, nil
		}
		return nil, err
	}

	return &Decision{
		Allowed:      true,
		LicenseID:    lic.ID,
		ActivationID: act.ID,
		PlanSlug:     lic.PlanSlug,
		Path:         PathLicense,
	}, nil
}

// isDefinitiveMiss reports whether err is a final "no" rather than a storage
// failure. Definitive misses are safe to negative-cache.
func isDefinitiveMiss(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, resolver.ErrBadKeyFormat) ||
		errors.Is(err, siteurl.ErrInvalidSiteURL)
}

func (g *Gateway) cached(ctx context.Context, rawKey, rawSiteURL string) *Decision {
	raw, err := g.rdb.Get(ctx, cacheKey(rawKey, rawSiteURL)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.log.Warn("auth cache read failed", zap.Error(err))
		}
		g.metrics.AuthCacheHits.WithLabelValues("miss").Inc()
		return nil
	}

	var dec Decision
	if err := msgpack.Unmarshal(raw, &dec); err != nil {
		g.log.Warn("auth cache entry corrupt", zap.Error(err))
		g.metrics.AuthCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	g.metrics.AuthCacheHits.WithLabelValues("hit").Inc()
	return &dec
}

func (g *Gateway) cache(ctx context.Context, rawKey, rawSiteURL string, dec *Decision) {
	raw, err := msgpack.Marshal(dec)
	if err != nil {
		g.log.Warn("auth cache encode failed", zap.Error(err))
		return
	}
	if err := g.rdb.Set(ctx, cacheKey(rawKey, rawSiteURL), raw, g.ttl).Err(); err != nil {
		g.log.Warn("auth cache write failed", zap.Error(err))
	}
}
