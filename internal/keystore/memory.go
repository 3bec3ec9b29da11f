package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
)

// MemoryStore implements Store using in-memory maps. Suitable for tests and
// single-node deployments; all operations are safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     map[string]*apikey.Key // by ID
	bySecret map[string]string      // secret -> key ID
	users    map[string]*apikey.User
	usage    []*apikey.UsageEntry
	admin    []*apikey.AdminEntry
	closed   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]*apikey.Key),
		bySecret: make(map[string]string),
		users:    make(map[string]*apikey.User),
	}
}

// GetKeyBySecret implements Store.
func (s *MemoryStore) GetKeyBySecret(ctx context.Context, secret string) (*apikey.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySecret[secret]
	if !ok {
		return nil, &ErrNotFound{Kind: "key"}
	}

	return copyKey(s.keys[id]), nil
}

// GetKeyByID implements Store.
func (s *MemoryStore) GetKeyByID(ctx context.Context, id string) (*apikey.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "key", ID: id}
	}

	return copyKey(key), nil
}

// InsertKey implements Store.
func (s *MemoryStore) InsertKey(ctx context.Context, key *apikey.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySecret[key.Secret]; ok {
		return ErrDuplicateSecret
	}
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateID
	}

	s.keys[key.ID] = copyKey(key)
	s.bySecret[key.Secret] = key.ID

	return nil
}

// CompareAndSetStatus implements Store. The comparison and the write happen
// under one lock, so concurrent transitions never lose updates.
func (s *MemoryStore) CompareAndSetStatus(
	ctx context.Context,
	keyID string,
	expected, next apikey.Status,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return false, &ErrNotFound{Kind: "key", ID: keyID}
	}

	if key.Status != expected {
		return false, nil
	}

	key.Status = next
	return true, nil
}

// ScanExpiredActiveKeys implements Store.
func (s *MemoryStore) ScanExpiredActiveKeys(ctx context.Context, now time.Time) ([]*apikey.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*apikey.Key
	for _, key := range s.keys {
		if key.Status == apikey.StatusActive && key.Expired(now) {
			expired = append(expired, copyKey(key))
		}
	}

	return expired, nil
}

// AppendUsageLog implements Store.
func (s *MemoryStore) AppendUsageLog(ctx context.Context, entry *apikey.UsageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.usage = append(s.usage, &e)
	return nil
}

// AppendAdminLog implements Store.
func (s *MemoryStore) AppendAdminLog(ctx context.Context, entry *apikey.AdminEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.admin = append(s.admin, &e)
	return nil
}

// GetUserByID implements Store.
func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*apikey.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "user", ID: id}
	}

	u := *user
	return &u, nil
}

// InsertUser implements Store.
func (s *MemoryStore) InsertUser(ctx context.Context, user *apikey.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return ErrDuplicateID
	}

	u := *user
	s.users[user.ID] = &u
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// UsageEntries returns a snapshot of the usage log for the given key. Intended
// for tests and reporting tools, not the validation path.
func (s *MemoryStore) UsageEntries(keyID string) []*apikey.UsageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*apikey.UsageEntry
	for _, e := range s.usage {
		if keyID == "" || e.KeyID == keyID {
			entry := *e
			entries = append(entries, &entry)
		}
	}
	return entries
}

// AdminEntries returns a snapshot of the admin audit log.
func (s *MemoryStore) AdminEntries() []*apikey.AdminEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*apikey.AdminEntry, 0, len(s.admin))
	for _, e := range s.admin {
		entry := *e
		entries = append(entries, &entry)
	}
	return entries
}

// copyKey returns a deep copy so callers never share mutable state with the
// store.
func copyKey(k *apikey.Key) *apikey.Key {
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Ensure MemoryStore satisfies the interface.
var _ Store = (*MemoryStore)(nil)
