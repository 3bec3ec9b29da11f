package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avakeyd/internal/apikey"
)

// Prometheus metrics for Redis keystore operations.
var (
	redisKeystoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_keystore_operations_total",
			Help: "Total number of Redis keystore operations",
		},
		[]string{"operation", "status"},
	)

	redisKeystoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_keystore_operation_duration_seconds",
			Help:    "Duration of Redis keystore operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// casStatusScript atomically transitions a key's status when the current
// status matches the expected value. When the key leaves the active state it
// is also removed from the expiry index.
// KEYS[1] = key hash, KEYS[2] = expiry index zset
// ARGV[1] = expected status, ARGV[2] = next status, ARGV[3] = key ID
// Returns -1 when the key does not exist, 0 on mismatch, 1 on success.
var casStatusScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur == false then
		return -1
	end
	if cur ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2])
	if ARGV[2] ~= 'active' then
		redis.call('ZREM', KEYS[2], ARGV[3])
	end
	return 1
`)

// RedisConfig holds configuration for the Redis keystore.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ScanBatch bounds the number of keys returned by one expiry scan.
	ScanBatch int

	// Breaker configures the circuit breaker guarding Redis calls. Nil uses
	// defaults.
	Breaker *gobreaker.Settings

	// Logger for the keystore.
	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Password:     "",
		DB:           0,
		Prefix:       "avakey:",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		ScanBatch:    256,
	}
}

// RedisStore implements Store using Redis. Key records live in hashes, the
// secret index in plain strings, expiring keys in a sorted set scored by
// expiry time, and both logs in append-only lists. Status transitions use a
// Lua script so compare-and-set is atomic on the server.
//
// All calls go through a circuit breaker; when the breaker is open or Redis
// is unreachable the returned error wraps ErrUnavailable so callers fail
// closed.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	batch   int
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisStore creates a new Redis keystore and verifies connectivity.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 256
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	settings := gobreaker.Settings{
		Name: "redis-keystore",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}

	s := &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		batch:   cfg.ScanBatch,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  cfg.Logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s, nil
}

// NewRedisStoreWithClient creates a Redis keystore around an existing client.
// Used by tests to point the store at a miniredis instance.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "avakey:"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		batch:   256,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis-keystore"}),
		logger:  logger,
	}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) keyHash(id string) string      { return s.prefix + "key:" + id }
func (s *RedisStore) secretIndex(sec string) string { return s.prefix + "secret:" + sec }
func (s *RedisStore) userHash(id string) string     { return s.prefix + "user:" + id }
func (s *RedisStore) usageList(keyID string) string { return s.prefix + "usage:" + keyID }
func (s *RedisStore) adminList() string             { return s.prefix + "admin" }
func (s *RedisStore) expiryIndex() string           { return s.prefix + "expiring" }

// execute runs op through the circuit breaker and records metrics. Breaker
// and transport failures come back wrapping ErrUnavailable.
func (s *RedisStore) execute(operation string, op func() error) error {
	start := time.Now()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})

	redisKeystoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		redisKeystoreOperationsTotal.WithLabelValues(operation, "success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		redisKeystoreOperationsTotal.WithLabelValues(operation, "unavailable").Inc()
		return fmt.Errorf("%w: circuit breaker: %v", ErrUnavailable, err)
	case IsNotFound(err) || errors.Is(err, ErrDuplicateSecret) || errors.Is(err, ErrDuplicateID):
		redisKeystoreOperationsTotal.WithLabelValues(operation, "miss").Inc()
		return err
	default:
		redisKeystoreOperationsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// GetKeyBySecret implements Store.
func (s *RedisStore) GetKeyBySecret(ctx context.Context, secret string) (*apikey.Key, error) {
	var key *apikey.Key

	err := s.execute("get_key_by_secret", func() error {
		id, err := s.client.Get(ctx, s.secretIndex(secret)).Result()
		if errors.Is(err, redis.Nil) {
			return &ErrNotFound{Kind: "key"}
		}
		if err != nil {
			return err
		}

		key, err = s.fetchKey(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// GetKeyByID implements Store.
func (s *RedisStore) GetKeyByID(ctx context.Context, id string) (*apikey.Key, error) {
	var key *apikey.Key

	err := s.execute("get_key_by_id", func() error {
		var err error
		key, err = s.fetchKey(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// fetchKey reads and decodes one key hash.
func (s *RedisStore) fetchKey(ctx context.Context, id string) (*apikey.Key, error) {
	fields, err := s.client.HGetAll(ctx, s.keyHash(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &ErrNotFound{Kind: "key", ID: id}
	}

	return decodeKey(fields)
}

// InsertKey implements Store.
func (s *RedisStore) InsertKey(ctx context.Context, key *apikey.Key) error {
	return s.execute("insert_key", func() error {
		// Claim the secret first; SETNX enforces uniqueness.
		claimed, err := s.client.SetNX(ctx, s.secretIndex(key.Secret), key.ID, 0).Result()
		if err != nil {
			return err
		}
		if !claimed {
			return ErrDuplicateSecret
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, s.keyHash(key.ID), encodeKey(key))
		if key.ExpiresAt != nil && key.Status == apikey.StatusActive {
			pipe.ZAdd(ctx, s.expiryIndex(), redis.Z{
				Score:  float64(key.ExpiresAt.Unix()),
				Member: key.ID,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			// Release the claimed secret so a retry can succeed.
			s.client.Del(ctx, s.secretIndex(key.Secret))
			return err
		}

		return nil
	})
}

// CompareAndSetStatus implements Store.
func (s *RedisStore) CompareAndSetStatus(
	ctx context.Context,
	keyID string,
	expected, next apikey.Status,
) (bool, error) {
	var swapped bool

	err := s.execute("cas_status", func() error {
		res, err := casStatusScript.Run(ctx, s.client,
			[]string{s.keyHash(keyID), s.expiryIndex()},
			string(expected), string(next), keyID,
		).Int()
		if err != nil {
			return err
		}

		switch res {
		case -1:
			return &ErrNotFound{Kind: "key", ID: keyID}
		case 1:
			swapped = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return swapped, nil
}

// ScanExpiredActiveKeys implements Store. One call returns at most ScanBatch
// keys; the sweeper calls again on its next cycle for any remainder.
func (s *RedisStore) ScanExpiredActiveKeys(ctx context.Context, now time.Time) ([]*apikey.Key, error) {
	var expired []*apikey.Key

	err := s.execute("scan_expired", func() error {
		ids, err := s.client.ZRangeByScore(ctx, s.expiryIndex(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.Unix(), 10),
			Count: int64(s.batch),
		}).Result()
		if err != nil {
			return err
		}

		for _, id := range ids {
			key, err := s.fetchKey(ctx, id)
			if err != nil {
				if IsNotFound(err) {
					// Stale index entry; drop it.
					s.client.ZRem(ctx, s.expiryIndex(), id)
					continue
				}
				return err
			}
			if key.Status == apikey.StatusActive && key.Expired(now) {
				expired = append(expired, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return expired, nil
}

// AppendUsageLog implements Store.
func (s *RedisStore) AppendUsageLog(ctx context.Context, entry *apikey.UsageEntry) error {
	return s.execute("append_usage", func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return s.client.RPush(ctx, s.usageList(entry.KeyID), data).Err()
	})
}

// AppendAdminLog implements Store.
func (s *RedisStore) AppendAdminLog(ctx context.Context, entry *apikey.AdminEntry) error {
	return s.execute("append_admin", func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return s.client.RPush(ctx, s.adminList(), data).Err()
	})
}

// GetUserByID implements Store.
func (s *RedisStore) GetUserByID(ctx context.Context, id string) (*apikey.User, error) {
	var user *apikey.User

	err := s.execute("get_user", func() error {
		fields, err := s.client.HGetAll(ctx, s.userHash(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return &ErrNotFound{Kind: "user", ID: id}
		}

		created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
		if err != nil {
			return fmt.Errorf("decode user %s: %w", id, err)
		}

		user = &apikey.User{
			ID:        fields["id"],
			Name:      fields["name"],
			Email:     fields["email"],
			CreatedAt: created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// InsertUser implements Store.
func (s *RedisStore) InsertUser(ctx context.Context, user *apikey.User) error {
	return s.execute("insert_user", func() error {
		created, err := s.client.HSetNX(ctx, s.userHash(user.ID), "id", user.ID).Result()
		if err != nil {
			return err
		}
		if !created {
			return ErrDuplicateID
		}

		return s.client.HSet(ctx, s.userHash(user.ID), map[string]interface{}{
			"name":       user.Name,
			"email":      user.Email,
			"created_at": user.CreatedAt.UTC().Format(time.RFC3339Nano),
		}).Err()
	})
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.execute("ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// encodeKey flattens a key into hash fields.
func encodeKey(key *apikey.Key) map[string]interface{} {
	fields := map[string]interface{}{
		"id":           key.ID,
		"user_id":      key.UserID,
		"secret":       key.Secret,
		"status":       string(key.Status),
		"environment":  string(key.Environment),
		"created_at":   key.CreatedAt.UTC().Format(time.RFC3339Nano),
		"rate_ceiling": strconv.Itoa(key.RateCeiling),
	}
	if key.ExpiresAt != nil {
		fields["expires_at"] = key.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// decodeKey rebuilds a key from hash fields.
func decodeKey(fields map[string]string) (*apikey.Key, error) {
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", fields["id"], err)
	}

	ceiling, err := strconv.Atoi(fields["rate_ceiling"])
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", fields["id"], err)
	}

	key := &apikey.Key{
		ID:          fields["id"],
		UserID:      fields["user_id"],
		Secret:      fields["secret"],
		Status:      apikey.Status(fields["status"]),
		Environment: apikey.Environment(fields["environment"]),
		CreatedAt:   created,
		RateCeiling: ceiling,
	}

	if raw, ok := fields["expires_at"]; ok && raw != "" {
		expires, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", fields["id"], err)
		}
		key.ExpiresAt = &expires
	}

	return key, nil
}

// Ensure RedisStore satisfies the interface.
var _ Store = (*RedisStore)(nil)
