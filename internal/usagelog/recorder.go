// Package usagelog appends immutable usage entries for every validation
// decision. Appends are durable before the validation response is returned,
// so a crash never undercounts.
package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
)

var usageEntriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usage_log_entries_total",
		Help: "Total number of usage log entries appended",
	},
	[]string{"outcome"},
)

// Recorder appends usage entries through the keystore. Every call attempt
// produces exactly one entry; repeated rate-limited attempts are all
// recorded, never deduplicated.
type Recorder struct {
	store  keystore.Store
	logger *zap.Logger
}

// NewRecorder creates a usage recorder.
func NewRecorder(store keystore.Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// Append durably records one usage entry. A returned error is a storage
// fault; callers must treat it as such and fail closed rather than reporting
// a validation outcome that was never persisted.
func (r *Recorder) Append(ctx context.Context, keyID string, outcome apikey.UsageOutcome, ts time.Time) error {
	entry := apikey.NewUsageEntry(keyID, outcome, ts)

	if err := r.store.AppendUsageLog(ctx, entry); err != nil {
		r.logger.Error("usage log append failed",
			zap.String("key_id", keyID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return fmt.Errorf("usage log append: %w", err)
	}

	usageEntriesTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}
