package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Test Cases for Logger Construction
// ============================================================================

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{
			name: "json format",
			cfg:  LogConfig{Level: "info", Format: "json"},
		},
		{
			name: "console format",
			cfg:  LogConfig{Level: "debug", Format: "console"},
		},
		{
			name: "stderr output",
			cfg:  LogConfig{Level: "warn", Format: "json", Output: "stderr"},
		},
		{
			name: "default config",
			cfg:  DefaultLogConfig(),
		},
		{
			name:    "invalid level",
			cfg:     LogConfig{Level: "verbose"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

// ============================================================================
// Test Cases for Global Logger
// ============================================================================

func TestGlobalLogger(t *testing.T) {
	// Unset global falls back to a no-op logger.
	SetGlobalLogger(nil)
	require.NotNil(t, L())

	logger := zap.NewNop()
	SetGlobalLogger(logger)
	assert.Same(t, logger, L())

	SetGlobalLogger(nil)
}
