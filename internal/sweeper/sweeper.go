// Package sweeper runs the periodic background pass that transitions active
// keys whose expiry has passed to inactive. Each per-key update is an
// independent compare-and-set, so a sweep batch can be cancelled mid-way
// without corrupting state.
package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
	"github.com/vyrodovalexey/avakeyd/internal/registry"
)

// DefaultInterval is the default sweep period.
const DefaultInterval = time.Minute

var (
	sweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_runs_total",
			Help: "Total number of expiry sweep passes",
		},
	)

	sweepTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_transitions_total",
			Help: "Total number of keys transitioned from active to inactive",
		},
	)
)

// Sweeper periodically expires keys. It is fully decoupled from request
// handling; the registry only sees the transitions through the keystore (and
// a cache invalidation per expired key).
type Sweeper struct {
	store    keystore.Store
	registry *registry.Registry
	audit    audit.Logger
	logger   *zap.Logger

	// interval is in nanoseconds, mutable through SetInterval while Run is
	// active.
	interval   atomic.Int64
	intervalCh chan struct{}

	// lastRun is the wall time of the last completed pass, for readiness
	// checks.
	lastRun atomic.Int64
}

// New creates a sweeper. A nil audit logger disables audit entries; a zero
// interval uses DefaultInterval.
func New(
	store keystore.Store,
	reg *registry.Registry,
	auditLogger audit.Logger,
	interval time.Duration,
	logger *zap.Logger,
) *Sweeper {
	if auditLogger == nil {
		auditLogger = audit.NewNoopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		store:      store,
		registry:   reg,
		audit:      auditLogger,
		logger:     logger,
		intervalCh: make(chan struct{}, 1),
	}
	s.interval.Store(int64(interval))
	return s
}

// SetInterval changes the sweep period. Safe to call while Run is active; the
// running loop picks up the new period before its next tick.
func (s *Sweeper) SetInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if s.interval.Swap(int64(interval)) == int64(interval) {
		return
	}
	select {
	case s.intervalCh <- struct{}{}:
	default:
	}
}

// Interval returns the current sweep period.
func (s *Sweeper) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Run executes sweep passes on the configured interval until the context is
// cancelled. The in-flight pass observes the same context, so shutdown either
// lets it finish or abandons it between per-key updates.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.Interval()))

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
			}
		case <-s.intervalCh:
			ticker.Reset(s.Interval())
			s.logger.Info("expiry sweep interval updated", zap.Duration("interval", s.Interval()))
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		}
	}
}

// Sweep runs one pass and returns the number of keys transitioned. Re-running
// a pass with no intervening change transitions nothing: the scan only yields
// still-active keys and the conditional update refuses everything else.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	expired, err := s.store.ScanExpiredActiveKeys(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scan expired keys: %w", err)
	}

	transitioned := 0
	for _, key := range expired {
		if err := ctx.Err(); err != nil {
			return transitioned, err
		}

		// Conditional on the key still being active: a revoke that landed
		// between scan and update wins and is never overwritten.
		swapped, err := s.store.CompareAndSetStatus(ctx, key.ID, apikey.StatusActive, apikey.StatusInactive)
		if err != nil {
			s.logger.Warn("expiry transition failed",
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
			continue
		}
		if !swapped {
			continue
		}

		transitioned++
		sweepTransitionsTotal.Inc()

		if s.registry != nil {
			s.registry.Invalidate(key.Secret)
		}

		event := audit.NewEvent(audit.ActionKeyExpire, audit.OutcomeSuccess).
			WithKey(key.ID, key.UserID).
			WithDetail("expired at " + key.ExpiresAt.UTC().Format(time.RFC3339))
		if err := s.audit.LogEvent(ctx, event); err != nil {
			s.logger.Warn("audit entry for expired key failed",
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
		}
	}

	sweepRunsTotal.Inc()
	s.lastRun.Store(time.Now().Unix())

	if transitioned > 0 {
		s.logger.Info("expiry sweep completed",
			zap.Int("scanned", len(expired)),
			zap.Int("transitioned", transitioned),
		)
	}

	return transitioned, nil
}

// LastRun returns the wall time of the last completed pass, or the zero time
// when no pass has completed yet.
func (s *Sweeper) LastRun() time.Time {
	ts := s.lastRun.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
