// Package apikey defines the domain model for issued API keys, their owners,
// and the append-only usage and administrative logs kept for audit.
package apikey

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an API key.
type Status string

// Key lifecycle states.
const (
	// StatusActive indicates the key is usable for validation.
	StatusActive Status = "active"

	// StatusInactive indicates the key expired or was deactivated by an
	// administrator. An inactive key is never reactivated automatically.
	StatusInactive Status = "inactive"

	// StatusRevoked indicates the key was explicitly revoked. Revoked is
	// terminal: no transition ever leaves this state.
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusRevoked:
		return true
	default:
		return false
	}
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRevoked
}

// Environment represents the deployment environment a key is scoped to.
type Environment string

// Key environments.
const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is a known environment value.
func (e Environment) Valid() bool {
	return e == EnvDevelopment || e == EnvProduction
}

// User represents the owner of one or more API keys. Users are created and
// updated outside the core; the core only reads them.
type User struct {
	// ID is the user identifier.
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name" yaml:"name"`

	// Email is the unique email address.
	Email string `json:"email" yaml:"email"`

	// CreatedAt is when the user was created.
	CreatedAt time.Time `json:"created_at" yaml:"createdAt"`
}

// Key represents an issued API key. Keys are created in state active and are
// mutated only by the expiry sweeper or an explicit revoke; they are never
// physically deleted.
type Key struct {
	// ID is the key identifier.
	ID string `json:"id"`

	// UserID references the owning user.
	UserID string `json:"user_id"`

	// Secret is the opaque secret value presented by callers. Unique across
	// all keys, never reused.
	Secret string `json:"secret"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Environment is the deployment environment the key is scoped to.
	Environment Environment `json:"environment"`

	// CreatedAt is when the key was issued.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the optional expiry time. A nil value means the key never
	// expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// RateCeiling is the maximum number of allowed calls per trailing
	// 60-second window.
	RateCeiling int `json:"rate_ceiling"`
}

// Expired reports whether the key has an expiry in the past relative to now.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// UsageOutcome represents the recorded result of a single validation attempt.
type UsageOutcome string

// Usage outcomes.
const (
	UsageSuccess     UsageOutcome = "success"
	UsageRateLimited UsageOutcome = "rate_limit_exceeded"
	UsageRevoked     UsageOutcome = "revoked"
	UsageInactive    UsageOutcome = "inactive"
)

// UsageEntry is one immutable record of a validation attempt against a key.
// Entries are append-only and never mutated or deleted by the core.
type UsageEntry struct {
	// ID is the entry identifier.
	ID string `json:"id"`

	// KeyID references the key the call was made against.
	KeyID string `json:"key_id"`

	// Timestamp is when the validation decision was made.
	Timestamp time.Time `json:"timestamp"`

	// Outcome is the validation result.
	Outcome UsageOutcome `json:"outcome"`
}

// NewUsageEntry creates a usage entry with a fresh identifier.
func NewUsageEntry(keyID string, outcome UsageOutcome, ts time.Time) *UsageEntry {
	return &UsageEntry{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		Timestamp: ts,
		Outcome:   outcome,
	}
}

// AdminEntry is one immutable record of an administrative action, written by
// the issuer and other administrative mutators. Never read on the validation
// path.
type AdminEntry struct {
	// ID is the entry identifier.
	ID string `json:"id"`

	// Action is a free-text description of the administrative action.
	Action string `json:"action"`

	// KeyID optionally references the key the action concerned.
	KeyID string `json:"key_id,omitempty"`

	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}

// NewAdminEntry creates an admin entry with a fresh identifier.
func NewAdminEntry(action, keyID string, ts time.Time) *AdminEntry {
	return &AdminEntry{
		ID:        uuid.New().String(),
		Action:    action,
		KeyID:     keyID,
		Timestamp: ts,
	}
}
