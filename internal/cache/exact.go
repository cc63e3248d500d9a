package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// EntryStore is the persistent side of the exact cache.
type EntryStore interface {
	GetByNaturalQuery(ctx context.Context, naturalQuery string, maxAge time.Duration) (*storage.CacheEntry, error)
	Upsert(ctx context.Context, entry *storage.CacheEntry) error
}

// ExactCache performs byte-exact lookups of normalized query text.
// Normalization happens in the orchestrator; keys here are matched
// verbatim. Reads go through an optional hot layer; writes always go to
// the store, and counter updates happen at the storage layer so the hot
// copy is advisory only.
type ExactCache struct {
	store  EntryStore
	hot    Client
	logger *observability.Logger
	hotTTL time.Duration
	maxAge time.Duration
}

// ExactCacheConfig configures the exact cache.
type ExactCacheConfig struct {
	HotTTL time.Duration
	MaxAge time.Duration
}

// NewExactCache creates an exact cache over the given store. hot may be
// nil to disable the hot layer.
func NewExactCache(store EntryStore, hot Client, logger *observability.Logger, cfg ExactCacheConfig) *ExactCache {
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = 5 * time.Minute
	}
	return &ExactCache{
		store:  store,
		hot:    hot,
		logger: logger,
		hotTTL: cfg.HotTTL,
		maxAge: cfg.MaxAge,
	}
}

func hotKey(naturalQuery string) string {
	sum := sha256.Sum256([]byte(naturalQuery))
	return "exact:" + hex.EncodeToString(sum[:16])
}

// Get returns the entry for the exact normalized query, or nil on miss.
func (c *ExactCache) Get(ctx context.Context, naturalQuery string) (*storage.CacheEntry, error) {
	if c.hot != nil {
		if data, err := c.hot.Get(ctx, hotKey(naturalQuery)); err == nil {
			var entry storage.CacheEntry
			if err := json.Unmarshal(data, &entry); err == nil && !c.stale(entry.LastUsed) {
				return &entry, nil
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug().Err(err).Msg("hot layer get failed")
		}
	}

	entry, err := c.store.GetByNaturalQuery(ctx, naturalQuery, c.maxAge)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.fillHot(ctx, entry)
	return entry, nil
}

// Upsert writes the entry through to the store. Calling it twice with
// the same natural_query updates the existing row, never duplicates it.
func (c *ExactCache) Upsert(ctx context.Context, entry *storage.CacheEntry) error {
	if err := c.store.Upsert(ctx, entry); err != nil {
		return err
	}
	c.fillHot(ctx, entry)
	return nil
}

// Prime fills the hot layer for an entry that was persisted elsewhere,
// typically inside a storage transaction. It never touches the store.
func (c *ExactCache) Prime(ctx context.Context, entry *storage.CacheEntry) {
	c.fillHot(ctx, entry)
}

// Invalidate drops the hot copy for a query, forcing the next read
// through to the store.
func (c *ExactCache) Invalidate(ctx context.Context, naturalQuery string) {
	if c.hot == nil {
		return
	}
	if err := c.hot.Delete(ctx, hotKey(naturalQuery)); err != nil {
		c.logger.Debug().Err(err).Msg("hot layer delete failed")
	}
}

func (c *ExactCache) fillHot(ctx context.Context, entry *storage.CacheEntry) {
	if c.hot == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.hot.Set(ctx, hotKey(entry.NaturalQuery), data, c.hotTTL); err != nil {
		c.logger.Debug().Err(err).Msg("hot layer set failed")
	}
}

func (c *ExactCache) stale(lastUsed time.Time) bool {
	return c.maxAge > 0 && time.Since(lastUsed) > c.maxAge
}
