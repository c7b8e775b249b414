// Package ratelimit enforces fixed-window request ceilings in Redis so every
// instance of the service shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"licensegate/internal/logger"
	"licensegate/internal/metrics"
)

// Rejection sentinels. ErrUnavailable means the counter store failed and the
// limiter fails closed.
var (
	ErrIPLimit     = errors.New("ip rate limit exceeded")
	ErrKeyLimit    = errors.New("license key rate limit exceeded")
	ErrUnavailable = errors.New("rate limit counters unavailable")
)

// Limits are the per-window ceilings for one endpoint scope.
type Limits struct {
	WindowSeconds int
	IPLimit       int
	LicenseKey    int
}

// Limiter counts requests per (scope, dimension, window) in Redis.
type Limiter struct {
	rdb     redis.UniversalClient
	limits  Limits
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a Limiter.
func New(rdb redis.UniversalClient, limits Limits, m *metrics.Metrics) *Limiter {
	if limits.WindowSeconds <= 0 {
		limits.WindowSeconds = 60
	}
	return &Limiter{
		rdb:     rdb,
		limits:  limits,
		metrics: m,
		log:     logger.With(zap.String("component", "ratelimit")),
	}
}

// Allow checks both the per-IP and per-license-key ceilings for one request.
// licenseKey may be empty, in which case only the IP dimension is counted.
// Any Redis failure returns ErrUnavailable: an unreachable counter store must
// not turn into an unlimited endpoint.
func (l *Limiter) Allow(ctx context.Context, scope, ip, licenseKey string) error {
	window := time.Now().Unix() / int64(l.limits.WindowSeconds)

	if err := l.count(ctx, scope, "ip", ip, window, l.limits.IPLimit); err != nil {
		if errors.Is(err, errLimited) {
			return ErrIPLimit
		}
		return err
	}
	if licenseKey == "" {
		return nil
	}
	if err := l.count(ctx, scope, "key", licenseKey, window, l.limits.LicenseKey); err != nil {
		if errors.Is(err, errLimited) {
			return ErrKeyLimit
		}
		return err
	}
	return nil
}

var errLimited = errors.New("over limit")

func (l *Limiter) count(ctx context.Context, scope, dimension, value string, window int64, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("rl:%s:%s:%s:%d", scope, dimension, value, window)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Duration(l.limits.WindowSeconds+5)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.metrics.RateLimitFailures.Inc()
		l.log.Error("counter store failed, rejecting",
			zap.String("scope", scope),
			zap.String("dimension", dimension),
			zap.Error(err))
		return ErrUnavailable
	}

	if incr.Val() > int64(limit) {
		l.metrics.RateLimitRejections.WithLabelValues(scope, dimension).Inc()
		return errLimited
	}
	return nil
}
