// Package issuer creates API keys: generates secrets, persists the active key
// record, and writes one admin audit entry per issued key.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
)

// Issuance errors.
var (
	// ErrUnknownUser is returned when the owning user does not exist.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidEnvironment is returned for unknown environment values.
	ErrInvalidEnvironment = errors.New("invalid environment")

	// ErrInvalidCeiling is returned when the rate ceiling is not positive.
	ErrInvalidCeiling = errors.New("rate ceiling must be positive")

	// ErrInvalidCount is returned when a bulk count is not positive.
	ErrInvalidCount = errors.New("count must be positive")
)

// secretBytes is the entropy of a generated secret. 32 bytes is double the
// 128-bit minimum, encoded as 43 URL-safe characters.
const secretBytes = 32

// maxSecretRetries bounds regeneration attempts after a duplicate-secret
// collision. A collision is statistically near-impossible; hitting the bound
// indicates a broken random source.
const maxSecretRetries = 3

var issuedKeysTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "issued_keys_total",
		Help: "Total number of API keys issued",
	},
	[]string{"environment"},
)

// Input holds the parameters for issuing one key.
type Input struct {
	// UserID is the owning user.
	UserID string

	// Environment scopes the key to a deployment environment.
	Environment apikey.Environment

	// ExpiresAt is the optional expiry time. Nil means the key never
	// expires.
	ExpiresAt *time.Time

	// RateCeiling is the maximum calls per trailing 60-second window.
	RateCeiling int
}

// Issuer creates API keys.
type Issuer struct {
	store  keystore.Store
	audit  audit.Logger
	logger *zap.Logger
}

// New creates an issuer.
func New(store keystore.Store, auditLogger audit.Logger, logger *zap.Logger) *Issuer {
	if auditLogger == nil {
		auditLogger = audit.NewNoopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		store:  store,
		audit:  auditLogger,
		logger: logger,
	}
}

// IssueKey generates a fresh secret, persists a new active key for the user,
// and appends one admin audit entry. A duplicate-secret collision triggers an
// internal retry with a newly generated secret; it is never surfaced to the
// caller.
func (i *Issuer) IssueKey(ctx context.Context, input Input) (*apikey.Key, error) {
	if err := i.validate(ctx, input); err != nil {
		return nil, err
	}

	var key *apikey.Key
	for attempt := 0; attempt < maxSecretRetries; attempt++ {
		secret, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}

		candidate := &apikey.Key{
			ID:          uuid.New().String(),
			UserID:      input.UserID,
			Secret:      secret,
			Status:      apikey.StatusActive,
			Environment: input.Environment,
			CreatedAt:   time.Now().UTC(),
			ExpiresAt:   input.ExpiresAt,
			RateCeiling: input.RateCeiling,
		}

		err = i.store.InsertKey(ctx, candidate)
		if err == nil {
			key = candidate
			break
		}
		if errors.Is(err, keystore.ErrDuplicateSecret) {
			i.logger.Warn("secret collision, regenerating",
				zap.String("user_id", input.UserID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, fmt.Errorf("insert key: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("insert key: %w after %d attempts", keystore.ErrDuplicateSecret, maxSecretRetries)
	}

	event := audit.NewEvent(audit.ActionKeyIssue, audit.OutcomeSuccess).
		WithKey(key.ID, key.UserID).
		WithDetail(issueDetail(key))
	if err := i.audit.LogEvent(ctx, event); err != nil {
		// The key exists either way; issuance is not transactional with its
		// audit entry.
		i.logger.Error("audit entry for issued key failed",
			zap.String("key_id", key.ID),
			zap.Error(err),
		)
	}

	issuedKeysTotal.WithLabelValues(string(key.Environment)).Inc()

	i.logger.Info("issued key",
		zap.String("key_id", key.ID),
		zap.String("user_id", key.UserID),
		zap.String("environment", string(key.Environment)),
		zap.Int("rate_ceiling", key.RateCeiling),
	)

	return key, nil
}

// BulkIssue issues count independent keys, each with its own secret and audit
// entry. Bulk issuance is not transactional across keys: when issuance k
// fails, keys 1..k-1 stay issued and are returned alongside the error.
func (i *Issuer) BulkIssue(ctx context.Context, input Input, count int) ([]*apikey.Key, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	keys := make([]*apikey.Key, 0, count)
	for n := 0; n < count; n++ {
		key, err := i.IssueKey(ctx, input)
		if err != nil {
			return keys, fmt.Errorf("bulk issue: key %d of %d: %w", n+1, count, err)
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// validate checks the issuance parameters and the owning user.
func (i *Issuer) validate(ctx context.Context, input Input) error {
	if !input.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, input.Environment)
	}
	if input.RateCeiling <= 0 {
		return ErrInvalidCeiling
	}

	if _, err := i.store.GetUserByID(ctx, input.UserID); err != nil {
		if keystore.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrUnknownUser, input.UserID)
		}
		return fmt.Errorf("validate user: %w", err)
	}

	return nil
}

// issueDetail renders the audit description for an issued key.
func issueDetail(key *apikey.Key) string {
	detail := fmt.Sprintf("environment=%s rate_ceiling=%d", key.Environment, key.RateCeiling)
	if key.ExpiresAt != nil {
		detail += " expires_at=" + key.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return detail
}

// generateSecret returns a cryptographically random URL-safe secret.
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
