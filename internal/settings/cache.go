package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/storage"
)

// Cache is a read-through cache over the persisted key/value settings.
// Values land in memory on write and lazily on read-miss; a store error on
// read degrades to the caller's default rather than failing.
type Cache struct {
	store  storage.SettingsStore
	logger zerolog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// NewCache constructs an empty cache over a settings store.
func NewCache(store storage.SettingsStore, logger zerolog.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger.With().Str("component", "settings").Logger(),
		values: make(map[string]string),
	}
}

// Get returns a global setting, or defaultValue when unset.
func (c *Cache) Get(ctx context.Context, key, defaultValue string) string {
	return c.lookup(ctx, key, defaultValue, func() (string, bool, error) {
		return c.store.GetSetting(ctx, key)
	})
}

// GetForUser returns a per-user setting, or defaultValue when unset.
func (c *Cache) GetForUser(ctx context.Context, userID int64, key, defaultValue string) string {
	return c.lookup(ctx, userKey(userID, key), defaultValue, func() (string, bool, error) {
		return c.store.GetUserSetting(ctx, userID, key)
	})
}

// GetFresh reads a global setting from the store even when a value is
// cached, refreshing the cache on success. Used by pollers watching for
// out-of-process writes, such as the rate-limit ceiling sync.
func (c *Cache) GetFresh(ctx context.Context, key, defaultValue string) string {
	value, found, err := c.store.GetSetting(ctx, key)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("settings read failed, using default")
		return defaultValue
	}
	if !found {
		return defaultValue
	}
	c.put(key, value)
	return value
}

// Set writes a global setting through to the store and refreshes the cache.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if err := c.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	c.put(key, value)
	return nil
}

// SetForUser writes a per-user setting through to the store and refreshes the cache.
func (c *Cache) SetForUser(ctx context.Context, userID int64, key, value string) error {
	if err := c.store.SetUserSetting(ctx, userID, key, value); err != nil {
		return err
	}
	c.put(userKey(userID, key), value)
	return nil
}

func (c *Cache) lookup(ctx context.Context, cacheKey, defaultValue string, load func() (string, bool, error)) string {
	c.mu.RLock()
	value, ok := c.values[cacheKey]
	c.mu.RUnlock()
	if ok {
		return value
	}

	value, found, err := load()
	if err != nil {
		c.logger.Error().Err(err).Str("key", cacheKey).Msg("settings read failed, using default")
		return defaultValue
	}
	if !found {
		// Absent keys are not cached so a later write becomes visible.
		return defaultValue
	}

	c.put(cacheKey, value)
	return value
}

func (c *Cache) put(cacheKey, value string) {
	c.mu.Lock()
	c.values[cacheKey] = value
	c.mu.Unlock()
}

func userKey(userID int64, key string) string {
	return fmt.Sprintf("user:%d:%s", userID, key)
}
