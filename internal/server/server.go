// Package server hosts the core behind a thin HTTP surface: validation,
// issuance, revocation, sweep trigger, probes, and metrics. The core itself
// is transport-agnostic; nothing here adds semantics.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
	"github.com/vyrodovalexey/avakeyd/internal/engine"
	"github.com/vyrodovalexey/avakeyd/internal/health"
	"github.com/vyrodovalexey/avakeyd/internal/issuer"
	"github.com/vyrodovalexey/avakeyd/internal/keystore"
	"github.com/vyrodovalexey/avakeyd/internal/sweeper"
)

// Config holds the server settings.
type Config struct {
	// AdminRateLimit caps requests per second against the admin endpoints.
	// Zero disables the cap.
	AdminRateLimit float64

	// AdminRateBurst is the burst size for the admin cap.
	AdminRateBurst int
}

// Server wires the core components into a gin router.
type Server struct {
	engine  *engine.Engine
	issuer  *issuer.Issuer
	sweeper *sweeper.Sweeper
	store   keystore.Store
	checker *health.Checker
	logger  *zap.Logger
	cfg     Config
}

// New creates a server.
func New(
	eng *engine.Engine,
	iss *issuer.Issuer,
	sw *sweeper.Sweeper,
	store keystore.Store,
	checker *health.Checker,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  eng,
		issuer:  iss,
		sweeper: sw,
		store:   store,
		checker: checker,
		logger:  logger,
		cfg:     cfg,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", gin.WrapF(s.checker.HealthHandler()))
	r.GET("/readyz", gin.WrapF(s.checker.ReadinessHandler()))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/validate", s.handleValidate)

	admin := v1.Group("")
	if s.cfg.AdminRateLimit > 0 {
		admin.Use(adminRateLimit(rate.NewLimiter(rate.Limit(s.cfg.AdminRateLimit), s.cfg.AdminRateBurst)))
	}
	admin.POST("/users", s.handleCreateUser)
	admin.POST("/keys", s.handleIssueKey)
	admin.POST("/keys/bulk", s.handleBulkIssue)
	admin.POST("/keys/:id/revoke", s.handleRevoke)
	admin.POST("/sweep", s.handleSweep)

	return r
}

// adminRateLimit guards the admin endpoints with a process-wide token bucket.
// This protects the issuance path from runaway clients; it is unrelated to
// the per-key domain limiter.
func adminRateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "admin rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type validateRequest struct {
	Secret string `json:"secret" binding:"required"`
}

type validateResponse struct {
	Outcome   string `json:"outcome"`
	KeyID     string `json:"key_id,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
}

// handleValidate runs one validation decision.
func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}

	decision, err := s.engine.Validate(c.Request.Context(), req.Secret)
	if decision.Outcome == engine.OutcomeUnavailable {
		s.logger.Error("validation unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"outcome": string(decision.Outcome)})
		return
	}

	resp := validateResponse{Outcome: string(decision.Outcome)}
	if decision.Key != nil {
		resp.KeyID = decision.Key.ID
		resp.Remaining = decision.Remaining
	}

	switch decision.Outcome {
	case engine.OutcomeAllowed:
		c.JSON(http.StatusOK, resp)
	case engine.OutcomeExceeded:
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
		c.JSON(http.StatusTooManyRequests, resp)
	case engine.OutcomeRevoked, engine.OutcomeInactive:
		c.JSON(http.StatusForbidden, resp)
	default:
		c.JSON(http.StatusUnauthorized, resp)
	}
}

type createUserRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
}

// handleCreateUser registers a key owner.
func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := &apikey.User{
		ID:        req.ID,
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if user.ID == "" {
		user.ID = newID()
	}

	if err := s.store.InsertUser(c.Request.Context(), user); err != nil {
		s.writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, user)
}

type issueKeyRequest struct {
	UserID      string     `json:"user_id" binding:"required"`
	Environment string     `json:"environment" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	RateCeiling int        `json:"rate_ceiling" binding:"required"`
}

func (r issueKeyRequest) input() issuer.Input {
	return issuer.Input{
		UserID:      r.UserID,
		Environment: apikey.Environment(r.Environment),
		ExpiresAt:   r.ExpiresAt,
		RateCeiling: r.RateCeiling,
	}
}

// handleIssueKey issues one key.
func (s *Server) handleIssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := s.issuer.IssueKey(c.Request.Context(), req.input())
	if err != nil {
		s.writeIssueError(c, err)
		return
	}

	c.JSON(http.StatusCreated, key)
}

type bulkIssueRequest struct {
	issueKeyRequest
	Count int `json:"count" binding:"required"`
}

// handleBulkIssue issues count independent keys. On partial failure the keys
// issued before the failure are returned; they are not rolled back.
func (s *Server) handleBulkIssue(c *gin.Context) {
	var req bulkIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	keys, err := s.issuer.BulkIssue(c.Request.Context(), req.input(), req.Count)
	if err != nil {
		s.logger.Error("bulk issue failed",
			zap.Int("requested", req.Count),
			zap.Int("issued", len(keys)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"issued": keys,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"issued": keys})
}

// handleRevoke revokes one key.
func (s *Server) handleRevoke(c *gin.Context) {
	keyID := c.Param("id")

	if err := s.engine.Revoke(c.Request.Context(), keyID); err != nil {
		s.writeStoreError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleSweep triggers one expiry sweep pass.
func (s *Server) handleSweep(c *gin.Context) {
	transitioned, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transitioned": transitioned})
}

// errorIsAny reports whether err matches any of the targets.
func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newID() string {
	return uuid.New().String()
}

// writeIssueError maps issuance errors to HTTP responses.
func (s *Server) writeIssueError(c *gin.Context, err error) {
	switch {
	case errorIsAny(err, issuer.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errorIsAny(err, issuer.ErrInvalidEnvironment, issuer.ErrInvalidCeiling, issuer.ErrInvalidCount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.writeStoreError(c, err)
	}
}

// writeStoreError maps storage-layer errors to HTTP responses.
func (s *Server) writeStoreError(c *gin.Context, err error) {
	switch {
	case keystore.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errorIsAny(err, keystore.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case keystore.IsUnavailable(err):
		s.logger.Error("storage unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
