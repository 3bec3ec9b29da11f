// Package engine implements the key validation pipeline: registry lookup,
// status short-circuit, atomic rate check-and-consume, then the durable usage
// record, with the usage write completing before the decision is returned.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/ratelimit"
	"github.com/vyrodovalexey/avakeyd/internal/registry"
	"github.com/vyrodovalexey/avakeyd/internal/usagelog"
)

// Outcome is the result of validating one presented secret.
type Outcome string

// Validation outcomes. The first five are expected results; Unavailable
// signals an infrastructure fault and is the fail-closed answer when storage
// cannot be reached.
const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeExceeded    Outcome = "exceeded"
	OutcomeRevoked     Outcome = "revoked"
	OutcomeInactive    Outcome = "inactive"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeUnavailable Outcome = "unavailable"
)

var (
	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validations_total",
			Help: "Total number of key validations by outcome",
		},
		[]string{"outcome"},
	)

	validationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "validation_duration_seconds",
			Help:    "Duration of key validations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
)

// Decision is the full result of one validation.
type Decision struct {
	// Outcome is the validation result.
	Outcome Outcome

	// Key is the resolved key. Nil for NotFound and Unavailable.
	Key *apikey.Key

	// Remaining is the rate budget left in the current window. Only
	// meaningful for Allowed and Exceeded.
	Remaining int

	// RetryAfter estimates when a rate-limited call could succeed.
	RetryAfter time.Duration
}

// Engine validates presented secrets and applies key revocations.
type Engine struct {
	registry *registry.Registry
	limiter  ratelimit.Limiter
	usage    *usagelog.Recorder
	audit    audit.Logger
	logger   *zap.Logger
}

// New creates a validation engine.
func New(
	reg *registry.Registry,
	limiter ratelimit.Limiter,
	usage *usagelog.Recorder,
	auditLogger audit.Logger,
	logger *zap.Logger,
) *Engine {
	if auditLogger == nil {
		auditLogger = audit.NewNoopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: reg,
		limiter:  limiter,
		usage:    usage,
		audit:    auditLogger,
		logger:   logger,
	}
}

// Validate decides whether a call presenting the given secret is admitted.
// Every attempt that resolves to a key produces exactly one usage entry, and
// that entry is durable before the decision is returned. A non-nil error
// accompanies OutcomeUnavailable only and carries the underlying fault.
func (e *Engine) Validate(ctx context.Context, secret string) (*Decision, error) {
	start := time.Now()
	decision, err := e.validate(ctx, secret)
	validationDuration.Observe(time.Since(start).Seconds())
	validationsTotal.WithLabelValues(string(decision.Outcome)).Inc()
	return decision, err
}

func (e *Engine) validate(ctx context.Context, secret string) (*Decision, error) {
	now := time.Now().UTC()

	key, found, err := e.registry.Lookup(ctx, secret)
	if err != nil {
		// Fail closed: a lookup that cannot complete never becomes a permit.
		return &Decision{Outcome: OutcomeUnavailable}, err
	}
	if !found {
		// No key record exists, so there is nothing to attach a usage entry
		// to; not-found attempts are visible through metrics instead.
		return &Decision{Outcome: OutcomeNotFound}, nil
	}

	switch {
	case key.Status == apikey.StatusRevoked:
		return e.record(ctx, &Decision{Outcome: OutcomeRevoked, Key: key}, apikey.UsageRevoked, now)

	case key.Status == apikey.StatusInactive:
		return e.record(ctx, &Decision{Outcome: OutcomeInactive, Key: key}, apikey.UsageInactive, now)

	case key.Expired(now):
		// The sweeper owns the status transition; validation just refuses to
		// admit a key that is already past its expiry.
		return e.record(ctx, &Decision{Outcome: OutcomeInactive, Key: key}, apikey.UsageInactive, now)
	}

	result, err := e.limiter.CheckAndConsume(ctx, key.ID, key.RateCeiling)
	if err != nil {
		return &Decision{Outcome: OutcomeUnavailable, Key: key}, fmt.Errorf("rate check: %w", err)
	}

	decision := &Decision{
		Key:        key,
		Remaining:  result.Remaining,
		RetryAfter: result.RetryAfter,
	}
	if result.Allowed {
		decision.Outcome = OutcomeAllowed
		return e.record(ctx, decision, apikey.UsageSuccess, now)
	}

	decision.Outcome = OutcomeExceeded
	return e.record(ctx, decision, apikey.UsageRateLimited, now)
}

// record appends the usage entry for a decision. Write-then-respond: when the
// append fails the decision is discarded and the caller sees Unavailable, so
// a crash can never undercount admitted calls.
func (e *Engine) record(
	ctx context.Context,
	decision *Decision,
	outcome apikey.UsageOutcome,
	now time.Time,
) (*Decision, error) {
	if err := e.usage.Append(ctx, decision.Key.ID, outcome, now); err != nil {
		return &Decision{Outcome: OutcomeUnavailable, Key: decision.Key}, err
	}
	return decision, nil
}

// Revoke moves the key to the terminal revoked status and records an admin
// audit entry. Revoking an already-revoked key is an idempotent no-op.
func (e *Engine) Revoke(ctx context.Context, keyID string) error {
	if err := e.registry.UpdateStatus(ctx, keyID, apikey.StatusRevoked); err != nil {
		return fmt.Errorf("revoke key %s: %w", keyID, err)
	}

	// The key is terminal; its window state is dead weight.
	if err := e.limiter.Reset(ctx, keyID); err != nil {
		e.logger.Warn("failed to reset limiter state for revoked key",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
	}

	event := audit.NewEvent(audit.ActionKeyRevoke, audit.OutcomeSuccess).
		WithKey(keyID, "")
	if err := e.audit.LogEvent(ctx, event); err != nil {
		e.logger.Error("audit entry for revoked key failed",
			zap.String("key_id", keyID),
			zap.Error(err),
		)
	}

	e.logger.Info("revoked key", zap.String("key_id", keyID))
	return nil
}
