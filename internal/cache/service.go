package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
)

// Cache key prefixes
const (
	keyNamespace     = "evalsync"
	PrefixLastSync   = "last_sync"
	PrefixSyncStatus = "sync_status"
	PrefixRunLock    = "run_lock"
)

// Config holds cache configuration
type Config struct {
	DefaultTTL  time.Duration `json:"default_ttl"`
	LastSyncTTL time.Duration `json:"last_sync_ttl"`
	StatusTTL   time.Duration `json:"status_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:  time.Hour,
		LastSyncTTL: 7 * 24 * time.Hour,
		StatusTTL:   10 * time.Minute,
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the namespaced cache key
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s", keyNamespace, ck.Prefix, ck.ID)
}

// Service stores JSON values in Redis
type Service struct {
	redis  *RedisClient
	config *Config
}

// NewService creates a new cache service
func NewService(redis *RedisClient, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		redis:  redis,
		config: config,
	}
}

// Set stores value under key. A zero ttl uses the default.
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	if err := s.redis.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to set cache value").WithCause(err)
	}

	return nil
}

// Get decodes the value under key into dest. A missing key yields a
// not-found error.
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.redis.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errors.NewNotFoundError("cache key")
		}
		return errors.NewInternalError("failed to get cache value").WithCause(err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}

	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	if err := s.redis.client.Del(ctx, key.String()).Err(); err != nil {
		return errors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// Exists checks if a key exists in cache
func (s *Service) Exists(ctx context.Context, key CacheKey) (bool, error) {
	count, err := s.redis.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, errors.NewInternalError("failed to check cache key existence").WithCause(err)
	}
	return count > 0, nil
}

// SetSyncStatus caches the latest scheduler status snapshot so other
// replicas can serve it
func (s *Service) SetSyncStatus(ctx context.Context, status interface{}) error {
	return s.Set(ctx, CacheKey{Prefix: PrefixSyncStatus, ID: "current"}, status, s.config.StatusTTL)
}

// GetSyncStatus reads the cached scheduler status snapshot
func (s *Service) GetSyncStatus(ctx context.Context, dest interface{}) error {
	return s.Get(ctx, CacheKey{Prefix: PrefixSyncStatus, ID: "current"}, dest)
}
