package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
	"github.com/vyrodovalexey/avakeyd/internal/registry"
)

// scanFaultStore injects failures into the expiry scan.
type scanFaultStore struct {
	*keystore.MemoryStore
	failScan bool
}

func (s *scanFaultStore) ScanExpiredActiveKeys(ctx context.Context, now time.Time) ([]*apikey.Key, error) {
	if s.failScan {
		return nil, fmt.Errorf("%w: injected", keystore.ErrUnavailable)
	}
	return s.MemoryStore.ScanExpiredActiveKeys(ctx, now)
}

func insertKey(t *testing.T, store keystore.Store, id, secret string, status apikey.Status, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, store.InsertKey(context.Background(), &apikey.Key{
		ID:          id,
		UserID:      "user-1",
		Secret:      secret,
		Status:      status,
		Environment: apikey.EnvProduction,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		RateCeiling: 100,
	}))
}

// ============================================================================
// Test Cases for Sweeper - Sweep
// ============================================================================

func TestSweeper_TransitionsExpiredKeys(t *testing.T) {
	store := keystore.NewMemoryStore()
	reg := registry.New(store, zap.NewNop())
	sw := New(store, reg, audit.NewLogger(store), time.Minute, zap.NewNop())

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()

	insertKey(t, store, "key-expired", "s1", apikey.StatusActive, &past)
	insertKey(t, store, "key-fresh", "s2", apikey.StatusActive, &future)
	insertKey(t, store, "key-eternal", "s3", apikey.StatusActive, nil)

	transitioned, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, transitioned)

	expired, err := store.GetKeyByID(context.Background(), "key-expired")
	require.NoError(t, err)
	assert.Equal(t, apikey.StatusInactive, expired.Status)

	fresh, err := store.GetKeyByID(context.Background(), "key-fresh")
	require.NoError(t, err)
	assert.Equal(t, apikey.StatusActive, fresh.Status)

	// One audit entry per transitioned key.
	entries := store.AdminEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "key-expired", entries[0].KeyID)
	assert.Contains(t, entries[0].Action, "key_expire")
}

func TestSweeper_SweepIsIdempotent(t *testing.T) {
	store := keystore.NewMemoryStore()
	reg := registry.New(store, zap.NewNop())
	sw := New(store, reg, nil, time.Minute, zap.NewNop())

	past := time.Now().Add(-time.Hour).UTC()
	insertKey(t, store, "key-1", "s1", apikey.StatusActive, &past)

	transitioned, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, transitioned)

	// A second pass with no intervening change transitions nothing.
	transitioned, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, transitioned)
}

func TestSweeper_RevokedKeyIsNeverOverwritten(t *testing.T) {
	store := keystore.NewMemoryStore()
	reg := registry.New(store, zap.NewNop())
	sw := New(store, reg, nil, time.Minute, zap.NewNop())

	past := time.Now().Add(-time.Hour).UTC()
	insertKey(t, store, "key-1", "s1", apikey.StatusRevoked, &past)

	transitioned, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, transitioned)

	got, err := store.GetKeyByID(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, apikey.StatusRevoked, got.Status)
}

func TestSweeper_InvalidatesRegistryCache(t *testing.T) {
	store := keystore.NewMemoryStore()
	reg := registry.New(store, zap.NewNop())
	sw := New(store, reg, nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	insertKey(t, store, "key-1", "s1", apikey.StatusActive, &past)

	// Prime the registry cache with the still-active key.
	_, found, err := reg.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)

	_, err = sw.Sweep(ctx)
	require.NoError(t, err)

	// The next lookup observes the inactive status, not the cached one.
	key, found, err := reg.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, apikey.StatusInactive, key.Status)
}

func TestSweeper_ScanFaultSurfaces(t *testing.T) {
	store := &scanFaultStore{MemoryStore: keystore.NewMemoryStore(), failScan: true}
	sw := New(store, nil, nil, time.Minute, zap.NewNop())

	_, err := sw.Sweep(context.Background())
	require.Error(t, err)
	assert.True(t, keystore.IsUnavailable(err))
}

func TestSweeper_RecordsLastRun(t *testing.T) {
	store := keystore.NewMemoryStore()
	sw := New(store, nil, nil, time.Minute, zap.NewNop())

	assert.True(t, sw.LastRun().IsZero())

	_, err := sw.Sweep(context.Background())
	require.NoError(t, err)

	assert.False(t, sw.LastRun().IsZero())
	assert.WithinDuration(t, time.Now(), sw.LastRun(), 5*time.Second)
}

// ============================================================================
// Test Cases for Sweeper - Run and Interval
// ============================================================================

func TestSweeper_SetInterval(t *testing.T) {
	store := keystore.NewMemoryStore()
	sw := New(store, nil, nil, time.Minute, zap.NewNop())

	assert.Equal(t, time.Minute, sw.Interval())

	sw.SetInterval(10 * time.Second)
	assert.Equal(t, 10*time.Second, sw.Interval())

	// Non-positive values fall back to the default.
	sw.SetInterval(0)
	assert.Equal(t, DefaultInterval, sw.Interval())
}

func TestSweeper_RunStopsOnContextCancel(t *testing.T) {
	store := keystore.NewMemoryStore()
	sw := New(store, nil, nil, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sw.Run(ctx)
		close(done)
	}()

	// Let at least one tick fire, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}

	assert.False(t, sw.LastRun().IsZero())
}
