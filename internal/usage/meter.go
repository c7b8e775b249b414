// Package usage meters AI token consumption. Token counts accumulate onto the
// license row with a single atomic UPDATE, and the append-only event trail is
// written off the request path by a worker pool.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"licensegate/internal/logger"
	"licensegate/internal/metrics"
	"licensegate/internal/models"
)

// EventStore is the persistence surface the meter needs.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *models.UsageEvent) error
	CounterColumn(ctx context.Context) (string, error)
	AddTokens(ctx context.Context, licenseID int64, column string, n int64) (int64, error)
}

const insertTimeout = 10 * time.Second

// Meter records usage events and accumulates token counters.
type Meter struct {
	store   EventStore
	pool    *ants.Pool
	metrics *metrics.Metrics
	log     *zap.Logger
	wg      sync.WaitGroup
}

// New creates a Meter backed by a worker pool of the given size.
func New(store EventStore, poolSize int, m *metrics.Metrics) (*Meter, error) {
	if poolSize <= 0 {
		poolSize = 8
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "create metering pool")
	}
	return &Meter{
		store:   store,
		pool:    pool,
		metrics: m,
		log:     logger.With(zap.String("component", "usage")),
	}, nil
}

// Record accumulates the event's tokens onto the license counter and queues
// the event row for insertion. Metering is best effort: a failed counter
// update or insert is logged and counted, never surfaced to the caller, so a
// metering hiccup cannot break a customer's editor.
func (m *Meter) Record(ctx context.Context, ev *models.UsageEvent) {
	if ev.TotalTokens > 0 {
		m.addTokens(ctx, ev.LicenseID, ev.TotalTokens)
	}

	m.wg.Add(1)
	err := m.pool.Submit(func() {
		defer m.wg.Done()
		m.insert(ev)
	})
	if err != nil {
		m.wg.Done()
		m.metrics.UsageEvents.WithLabelValues("dropped").Inc()
		m.log.Warn("metering pool rejected event",
			zap.Int64("license_id", ev.LicenseID),
			zap.Error(err))
	}
}

func (m *Meter) addTokens(ctx context.Context, licenseID, n int64) {
	column, err := m.store.CounterColumn(ctx)
	if err != nil {
		m.log.Warn("no usage counter column, tokens not accumulated",
			zap.Int64("license_id", licenseID),
			zap.Error(err))
		return
	}

	affected, err := m.store.AddTokens(ctx, licenseID, column, n)
	if err != nil {
		m.log.Warn("token accumulation failed",
			zap.Int64("license_id", licenseID),
			zap.Int64("tokens", n),
			zap.Error(err))
		return
	}
	if affected != 1 {
		m.metrics.CounterMisfires.Inc()
		m.log.Warn("token update affected unexpected row count",
			zap.Int64("license_id", licenseID),
			zap.Int64("affected", affected))
		return
	}
	m.metrics.TokensRecorded.Add(float64(n))
}

func (m *Meter) insert(ev *models.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := m.store.InsertEvent(ctx, ev); err != nil {
		m.metrics.UsageEvents.WithLabelValues("dropped").Inc()
		m.log.Warn("usage event insert failed",
			zap.Int64("license_id", ev.LicenseID),
			zap.String("view", ev.View),
			zap.Error(err))
		return
	}
	m.metrics.UsageEvents.WithLabelValues("recorded").Inc()
}

// Close drains in-flight event writes and releases the pool.
func (m *Meter) Close() {
	m.wg.Wait()
	m.pool.Release()
}
