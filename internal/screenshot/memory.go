package screenshot

import (
	"context"
	"sync"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// MemoryCache is a process-local Cache with a janitor sweep
type MemoryCache struct {
	mu            sync.RWMutex
	entries       map[string]*types.ScreenshotEntry
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// NewMemoryCache creates a local cache; call Run to start the janitor
func NewMemoryCache(ttl, sweepInterval time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl / 2
	}
	return &MemoryCache{
		entries:       make(map[string]*types.ScreenshotEntry),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

func (c *MemoryCache) Put(ctx context.Context, deviceID string, entry *types.ScreenshotEntry) error {
	copied := *entry
	c.mu.Lock()
	c.entries[deviceID] = &copied
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, deviceID string) (*types.ScreenshotEntry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[deviceID]
	c.mu.RUnlock()
	if !ok || expired(entry.CapturedAt, c.now(), c.ttl) {
		return nil, false, nil
	}
	copied := *entry
	return &copied, true, nil
}

// Sweep drops expired entries and returns how many were removed
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for deviceID, entry := range c.entries {
		if expired(entry.CapturedAt, now, c.ttl) {
			delete(c.entries, deviceID)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps on an interval until ctx is cancelled
// TECHNICAL DISCOVERY: Images are large; without the sweep, devices that stop
// uploading would pin their last frame in memory forever
func (c *MemoryCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
