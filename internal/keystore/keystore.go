// Package keystore defines the durable storage boundary for API keys, users,
// and the append-only usage and admin logs. The core reads and writes through
// this interface only; backends enforce secret uniqueness and provide
// conditional status updates.
package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
)

// Store is the storage boundary used by the core.
type Store interface {
	// GetKeyBySecret returns the key with the given secret value.
	GetKeyBySecret(ctx context.Context, secret string) (*apikey.Key, error)

	// GetKeyByID returns the key with the given identifier.
	GetKeyByID(ctx context.Context, id string) (*apikey.Key, error)

	// InsertKey persists a new key. The secret must be unique across all
	// keys; a collision returns ErrDuplicateSecret.
	InsertKey(ctx context.Context, key *apikey.Key) error

	// CompareAndSetStatus transitions the key's status from expected to next.
	// Returns false without modifying anything when the current status does
	// not match expected; the caller must re-read and decide.
	CompareAndSetStatus(ctx context.Context, keyID string, expected, next apikey.Status) (bool, error)

	// ScanExpiredActiveKeys returns keys that are still active but whose
	// expiry time has passed relative to now. The result is finite per call.
	ScanExpiredActiveKeys(ctx context.Context, now time.Time) ([]*apikey.Key, error)

	// AppendUsageLog appends one immutable usage entry.
	AppendUsageLog(ctx context.Context, entry *apikey.UsageEntry) error

	// AppendAdminLog appends one immutable admin audit entry.
	AppendAdminLog(ctx context.Context, entry *apikey.AdminEntry) error

	// GetUserByID returns the user with the given identifier.
	GetUserByID(ctx context.Context, id string) (*apikey.User, error)

	// InsertUser persists a new user.
	InsertUser(ctx context.Context, user *apikey.User) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Sentinel errors returned by store implementations.
var (
	// ErrDuplicateSecret is returned by InsertKey when the secret already
	// exists.
	ErrDuplicateSecret = errors.New("secret already exists")

	// ErrDuplicateID is returned by insert operations when the identifier
	// already exists.
	ErrDuplicateID = errors.New("identifier already exists")

	// ErrUnavailable is returned (possibly wrapped) when the store cannot be
	// reached. Callers must fail closed on this error.
	ErrUnavailable = errors.New("keystore unavailable")
)

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	// Kind names the record type (key, user).
	Kind string

	// ID is the identifier that was looked up.
	ID string
}

func (e *ErrNotFound) Error() string {
	// Secrets are never echoed back; lookups by secret leave ID empty.
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return e.Kind + " not found: " + e.ID
}

// IsNotFound returns true if the error is a not-found error.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsUnavailable returns true if the error indicates the store is unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
