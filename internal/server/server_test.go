package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/audit"
	"github.com/vyrodovalexey/avakeyd/internal/engine"
	"github.com/vyrodovalexey/avakeyd/internal/health"
	"github.com/vyrodovalexey/avakeyd/internal/issuer"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
	"github.com/vyrodovalexey/avakeyd/internal/ratelimit"
	"github.com/vyrodovalexey/avakeyd/internal/registry"
	"github.com/vyrodovalexey/avakeyd/internal/sweeper"
	"github.com/vyrodovalexey/avakeyd/internal/usagelog"
)

type testServer struct {
	router *gin.Engine
	store  *keystore.MemoryStore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	store := keystore.NewMemoryStore()
	reg := registry.New(store, zap.NewNop())
	limiter := ratelimit.NewSlidingWindowLimiter(time.Minute, zap.NewNop())
	t.Cleanup(func() { _ = limiter.Close() })

	usage := usagelog.NewRecorder(store, zap.NewNop())
	auditLogger := audit.NewLogger(store)

	eng := engine.New(reg, limiter, usage, auditLogger, zap.NewNop())
	iss := issuer.New(store, auditLogger, zap.NewNop())
	sw := sweeper.New(store, reg, auditLogger, time.Minute, zap.NewNop())
	checker := health.NewChecker("test")

	srv := New(eng, iss, sw, store, checker, cfg, zap.NewNop())
	return &testServer{router: srv.Router(), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createUser(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/users", gin.H{
		"id":    id,
		"name":  "Alice",
		"email": id + "@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func (s *testServer) issueKey(t *testing.T, ceiling int) apikey.Key {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/keys", gin.H{
		"user_id":      "user-1",
		"environment":  "production",
		"rate_ceiling": ceiling,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var key apikey.Key
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	return key
}

// ============================================================================
// Test Cases for Users and Issuance Endpoints
// ============================================================================

func TestServer_CreateUser(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v1/users", gin.H{
		"name":  "Alice",
		"email": "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var user apikey.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.NotEmpty(t, user.ID)

	// Duplicate explicit ID conflicts.
	s.createUser(t, "user-dup")
	rec = s.do(t, http.MethodPost, "/v1/users", gin.H{
		"id":    "user-dup",
		"name":  "Bob",
		"email": "bob@example.com",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CreateUserValidation(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v1/users", gin.H{"name": "NoEmail"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_IssueKey(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")

	key := s.issueKey(t, 100)
	assert.NotEmpty(t, key.ID)
	assert.NotEmpty(t, key.Secret)
	assert.Equal(t, apikey.StatusActive, key.Status)
	assert.Equal(t, 100, key.RateCeiling)
}

func TestServer_IssueKeyErrors(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")

	tests := []struct {
		name     string
		body     gin.H
		wantCode int
	}{
		{
			name: "unknown user",
			body: gin.H{
				"user_id":      "nobody",
				"environment":  "production",
				"rate_ceiling": 10,
			},
			wantCode: http.StatusNotFound,
		},
		{
			name: "invalid environment",
			body: gin.H{
				"user_id":      "user-1",
				"environment":  "staging",
				"rate_ceiling": 10,
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "missing rate ceiling",
			body: gin.H{
				"user_id":     "user-1",
				"environment": "production",
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/keys", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestServer_BulkIssue(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")

	rec := s.do(t, http.MethodPost, "/v1/keys/bulk", gin.H{
		"user_id":      "user-1",
		"environment":  "development",
		"rate_ceiling": 10,
		"count":        5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Issued []apikey.Key `json:"issued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Issued, 5)

	secrets := make(map[string]bool)
	for _, key := range resp.Issued {
		secrets[key.Secret] = true
	}
	assert.Len(t, secrets, 5)
}

// ============================================================================
// Test Cases for Validate Endpoint
// ============================================================================

func TestServer_ValidateAllowed(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")
	key := s.issueKey(t, 10)

	rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": key.Secret})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(engine.OutcomeAllowed), resp.Outcome)
	assert.Equal(t, key.ID, resp.KeyID)
	assert.Equal(t, 9, resp.Remaining)
}

func TestServer_ValidateExceeded(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")
	key := s.issueKey(t, 2)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": key.Secret})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": key.Secret})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestServer_ValidateRevoked(t *testing.T) {
	s := newTestServer(t, Config{})
	s.createUser(t, "user-1")
	key := s.issueKey(t, 10)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/v1/keys/%s/revoke", key.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": key.Secret})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(engine.OutcomeRevoked), resp.Outcome)
}

func TestServer_ValidateUnknownSecret(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": "no-such-secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp validateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(engine.OutcomeNotFound), resp.Outcome)
	assert.Empty(t, resp.KeyID)
}

func TestServer_ValidateMissingSecret(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// Test Cases for Revoke and Sweep Endpoints
// ============================================================================

func TestServer_RevokeMissingKey(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v1/keys/nope/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Sweep(t *testing.T) {
	s := newTestServer(t, Config{})

	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.store.InsertKey(context.Background(), &apikey.Key{
		ID:          "key-old",
		UserID:      "user-1",
		Secret:      "old-secret",
		Status:      apikey.StatusActive,
		Environment: apikey.EnvProduction,
		CreatedAt:   past,
		ExpiresAt:   &past,
		RateCeiling: 10,
	}))

	rec := s.do(t, http.MethodPost, "/v1/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transitioned int `json:"transitioned"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Transitioned)
}

// ============================================================================
// Test Cases for Probes and Admin Guard
// ============================================================================

func TestServer_Probes(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminRateLimit(t *testing.T) {
	s := newTestServer(t, Config{AdminRateLimit: 1, AdminRateBurst: 1})
	s.createUser(t, "user-1")

	// Burst exhausted; the next admin call is throttled.
	rec := s.do(t, http.MethodPost, "/v1/users", gin.H{
		"id":    "user-2",
		"name":  "Bob",
		"email": "bob@example.com",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_ValidateNotThrottledByAdminGuard(t *testing.T) {
	s := newTestServer(t, Config{AdminRateLimit: 1, AdminRateBurst: 1})
	s.createUser(t, "user-1")

	// The admin budget is spent, but validation is not an admin endpoint.
	rec := s.do(t, http.MethodPost, "/v1/validate", gin.H{"secret": "whatever"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
