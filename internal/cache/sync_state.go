package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/evalsync/internal/database"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

// CachedSyncState is a read-through cache in front of a SyncStateStore.
// The store stays authoritative; cache failures only cost a round trip.
type CachedSyncState struct {
	database.SyncStateStore
	cache  *Service
	logger *logging.Logger
}

// NewCachedSyncState wraps store with cache
func NewCachedSyncState(store database.SyncStateStore, cache *Service) *CachedSyncState {
	return &CachedSyncState{
		SyncStateStore: store,
		cache:          cache,
		logger:         logging.GetLogger(),
	}
}

type cachedLastSync struct {
	At time.Time `json:"at"`
}

// LastSync returns the cached marker or falls through to the store
func (c *CachedSyncState) LastSync(ctx context.Context, dataset string) (time.Time, bool, error) {
	key := CacheKey{Prefix: PrefixLastSync, ID: dataset}

	var cached cachedLastSync
	err := c.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached.At, true, nil
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		c.logger.Warn("Last sync cache read failed", "dataset", dataset, "error", err)
	}

	at, found, err := c.SyncStateStore.LastSync(ctx, dataset)
	if err != nil || !found {
		return at, found, err
	}

	if err := c.cache.Set(ctx, key, cachedLastSync{At: at}, c.cache.config.LastSyncTTL); err != nil {
		c.logger.Warn("Last sync cache write failed", "dataset", dataset, "error", err)
	}
	return at, true, nil
}

// RecordSync writes through to the store, then refreshes the cache
func (c *CachedSyncState) RecordSync(ctx context.Context, dataset string, at time.Time, runID uuid.UUID) error {
	if err := c.SyncStateStore.RecordSync(ctx, dataset, at, runID); err != nil {
		return err
	}

	key := CacheKey{Prefix: PrefixLastSync, ID: dataset}
	if err := c.cache.Set(ctx, key, cachedLastSync{At: at.UTC()}, c.cache.config.LastSyncTTL); err != nil {
		c.logger.Warn("Last sync cache write failed", "dataset", dataset, "error", err)
		// a stale entry would hide this sync from the due check
		c.cache.Delete(ctx, key)
	}
	return nil
}
