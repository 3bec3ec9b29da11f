// Package registry provides the in-core authoritative view of key metadata
// used on the validation hot path: fast lookup by secret plus guarded status
// transitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
)

// Transition errors.
var (
	// ErrRevokedTerminal is returned when a transition would move a revoked
	// key to any other status. This is a caller bug, not a race.
	ErrRevokedTerminal = errors.New("revoked key cannot change status")

	// ErrConflict is returned when a transition keeps losing the
	// compare-and-set race after the built-in retry.
	ErrConflict = errors.New("status transition conflict")

	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid status")
)

// DefaultCacheTTL bounds how stale a cached lookup may be with respect to
// writes committed by other processes. Writes from this process invalidate
// the cache immediately, so reads always observe this process's own writes.
const DefaultCacheTTL = 5 * time.Second

// Registry serves key lookups and applies status transitions. Lookups are
// backed by the keystore with a small read-through cache; transitions go
// straight to the keystore using compare-and-set semantics.
type Registry struct {
	store  keystore.Store
	logger *zap.Logger
	cache  *secretCache
}

// New creates a registry with the default cache TTL.
func New(store keystore.Store, logger *zap.Logger) *Registry {
	return NewWithCacheTTL(store, DefaultCacheTTL, logger)
}

// NewWithCacheTTL creates a registry with a custom cache TTL. A TTL of zero
// disables caching entirely.
func NewWithCacheTTL(store keystore.Store, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		cache:  newSecretCache(ttl),
	}
}

// Lookup returns the key for the presented secret, or found=false when no key
// with that secret exists. The failure path is a single index miss regardless
// of how close the secret is to an existing one, so callers learn nothing
// about near-matches. A non-nil error means the keystore could not answer and
// the caller must fail closed.
func (r *Registry) Lookup(ctx context.Context, secret string) (*apikey.Key, bool, error) {
	if key, ok := r.cache.get(secret); ok {
		return key, true, nil
	}

	key, err := r.store.GetKeyBySecret(ctx, secret)
	if err != nil {
		if keystore.IsNotFound(err) {
			// Misses are deliberately not cached: a negative cache keyed by
			// attacker-chosen secrets would grow without bound.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry lookup: %w", err)
	}

	r.cache.put(key)
	return key, true, nil
}

// UpdateStatus transitions the key to the given status using compare-and-set
// against the keystore. Transitioning to the current status is a no-op.
// Attempts to move a revoked key elsewhere return ErrRevokedTerminal. A lost
// compare-and-set race is re-read and retried once before reporting
// ErrConflict.
func (r *Registry) UpdateStatus(ctx context.Context, keyID string, next apikey.Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}

	const attempts = 2
	for i := 0; i < attempts; i++ {
		key, err := r.store.GetKeyByID(ctx, keyID)
		if err != nil {
			return fmt.Errorf("registry update status: %w", err)
		}

		if key.Status == next {
			// Already there; idempotent no-op.
			return nil
		}

		if key.Status.Terminal() {
			r.logger.Warn("rejected transition from terminal status",
				zap.String("key_id", keyID),
				zap.String("from", string(key.Status)),
				zap.String("to", string(next)),
			)
			return ErrRevokedTerminal
		}

		swapped, err := r.store.CompareAndSetStatus(ctx, keyID, key.Status, next)
		if err != nil {
			return fmt.Errorf("registry update status: %w", err)
		}
		if swapped {
			r.cache.invalidate(key.Secret)
			return nil
		}

		// Lost the race; re-read and re-evaluate.
	}

	return fmt.Errorf("%w: key %s", ErrConflict, keyID)
}

// Invalidate drops any cached entry for the given secret. Used after writes
// that bypass UpdateStatus, such as issuance.
func (r *Registry) Invalidate(secret string) {
	r.cache.invalidate(secret)
}

// SetCacheTTL changes the cache TTL. A TTL of zero disables caching and drops
// all cached entries. Safe for concurrent use.
func (r *Registry) SetCacheTTL(ttl time.Duration) {
	r.cache.setTTL(ttl)
}

// secretCache is a TTL-bounded map of secret to key. It exists to keep hot
// lookups off the keystore; correctness does not depend on it because every
// in-process write invalidates the affected entry.
type secretCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	key      *apikey.Key
	storedAt time.Time
}

func newSecretCache(ttl time.Duration) *secretCache {
	return &secretCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *secretCache) get(secret string) (*apikey.Key, bool) {
	c.mu.RLock()
	ttl := c.ttl
	e, ok := c.entries[secret]
	c.mu.RUnlock()

	if ttl <= 0 || !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > ttl {
		c.mu.Lock()
		delete(c.entries, secret)
		c.mu.Unlock()
		return nil, false
	}

	cp := *e.key
	return &cp, true
}

func (c *secretCache) put(key *apikey.Key) {
	cp := *key
	c.mu.Lock()
	if c.ttl > 0 {
		c.entries[key.Secret] = cacheEntry{key: &cp, storedAt: time.Now()}
	}
	c.mu.Unlock()
}

func (c *secretCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	if ttl <= 0 {
		c.entries = make(map[string]cacheEntry)
	}
	c.mu.Unlock()
}

func (c *secretCache) invalidate(secret string) {
	c.mu.Lock()
	delete(c.entries, secret)
	c.mu.Unlock()
}
