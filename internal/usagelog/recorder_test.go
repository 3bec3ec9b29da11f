package usagelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
)

// failingAppendStore fails every usage append.
type failingAppendStore struct {
	*keystore.MemoryStore
}

func (s *failingAppendStore) AppendUsageLog(context.Context, *apikey.UsageEntry) error {
	return fmt.Errorf("%w: injected", keystore.ErrUnavailable)
}

// ============================================================================
// Test Cases for Recorder
// ============================================================================

func TestRecorder_Append(t *testing.T) {
	store := keystore.NewMemoryStore()
	recorder := NewRecorder(store, zap.NewNop())

	ts := time.Now().UTC()
	require.NoError(t, recorder.Append(context.Background(), "key-1", apikey.UsageSuccess, ts))

	entries := store.UsageEntries("key-1")
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "key-1", entries[0].KeyID)
	assert.Equal(t, apikey.UsageSuccess, entries[0].Outcome)
	assert.True(t, entries[0].Timestamp.Equal(ts))
}

func TestRecorder_RepeatedAttemptsAllRecorded(t *testing.T) {
	store := keystore.NewMemoryStore()
	recorder := NewRecorder(store, zap.NewNop())
	ctx := context.Background()

	// Denied attempts are never deduplicated.
	for i := 0; i < 5; i++ {
		require.NoError(t, recorder.Append(ctx, "key-1", apikey.UsageRateLimited, time.Now().UTC()))
	}

	entries := store.UsageEntries("key-1")
	require.Len(t, entries, 5)

	ids := make(map[string]bool)
	for _, e := range entries {
		ids[e.ID] = true
	}
	assert.Len(t, ids, 5)
}

func TestRecorder_AppendFaultSurfaces(t *testing.T) {
	store := &failingAppendStore{MemoryStore: keystore.NewMemoryStore()}
	recorder := NewRecorder(store, zap.NewNop())

	err := recorder.Append(context.Background(), "key-1", apikey.UsageSuccess, time.Now().UTC())
	require.Error(t, err)
	assert.True(t, keystore.IsUnavailable(err))
}
