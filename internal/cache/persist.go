package cache

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/model"
)

// Save writes every entry to storage so a restarted process can show the
// last known data before it reconnects.
func (c *Cache) Save(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	c.mu.Lock()
	snapshot := make(map[model.Key]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = cloneEntry(v)
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(c.kv.Put(ctx, c.cacheKey(), data))
}

// Restore loads saved entries. Restored entries are stale: they are served
// while offline and refetched on first read otherwise.
func (c *Cache) Restore(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	data, ok, err := c.kv.Get(ctx, c.cacheKey())
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok || len(data) == 0 {
		return nil
	}
	var snapshot map[model.Key]Entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.log.Warn("discarding unreadable query cache", zap.Error(err))
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range snapshot {
		if _, exists := c.entries[k]; exists {
			continue
		}
		entry.Stale = true
		c.entries[k] = entry
	}
	return nil
}
