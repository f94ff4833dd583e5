package screenshot

import (
	"context"
	"log/slog"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// FallbackCache writes through to a shared primary and a local copy
// ARCHITECTURAL DISCOVERY: The shared store is preferred for reads so any instance
// sees a screenshot uploaded to another one; the local copy keeps single-instance
// behaviour intact while the shared store is down
type FallbackCache struct {
	primary Cache
	local   *MemoryCache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFallbackCache wraps primary with local
func NewFallbackCache(primary Cache, local *MemoryCache, logger *slog.Logger, m *metrics.Metrics) *FallbackCache {
	return &FallbackCache{
		primary: primary,
		local:   local,
		logger:  logging.OrDiscard(logger).With("component", "screenshot"),
		metrics: metrics.OrNop(m),
	}
}

// Put always stores locally; a primary failure is logged and counted, not returned
func (c *FallbackCache) Put(ctx context.Context, deviceID string, entry *types.ScreenshotEntry) error {
	if err := c.local.Put(ctx, deviceID, entry); err != nil {
		return err
	}
	if err := c.primary.Put(ctx, deviceID, entry); err != nil {
		c.metrics.ScreenshotFallbacks.WithLabelValues("put").Inc()
		c.logger.Warn("shared screenshot cache unavailable, kept local copy", "device_id", deviceID, "error", err)
	}
	return nil
}

// Get returns the newer of the shared and local entries.
// FUNCTIONAL DISCOVERY: An upload made while the shared store blipped lives only in the
// local tier, and the shared tier may still hold the capture before it
func (c *FallbackCache) Get(ctx context.Context, deviceID string) (*types.ScreenshotEntry, bool, error) {
	shared, sharedOK, err := c.primary.Get(ctx, deviceID)
	if err != nil {
		c.metrics.ScreenshotFallbacks.WithLabelValues("get").Inc()
		c.logger.Warn("shared screenshot cache unavailable, reading local copy", "device_id", deviceID, "error", err)
		sharedOK = false
	}

	local, localOK, err := c.local.Get(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case sharedOK && localOK:
		if local.CapturedAt.After(shared.CapturedAt) {
			return local, true, nil
		}
		return shared, true, nil
	case sharedOK:
		return shared, true, nil
	default:
		return local, localOK, nil
	}
}

// Local exposes the local tier so its janitor can be run
func (c *FallbackCache) Local() *MemoryCache {
	return c.local
}
