// Package screenshot keeps the latest screenshot of each device for a short time
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// DefaultTTL is how long a screenshot stays visible after it was captured
const DefaultTTL = 60 * time.Second

// Screenshot errors
var (
	ErrImageTooLarge = errors.New("screenshot image too large")
	ErrNoScreenshot  = fmt.Errorf("no recent screenshot: %w", types.ErrNotFound)
)

// Cache stores only the latest entry per device
// ARCHITECTURAL DISCOVERY: Screenshots are ephemeral. Get reports a miss with
// ok=false and a nil error, so callers never confuse "nothing yet" with a failure.
type Cache interface {
	Put(ctx context.Context, deviceID string, entry *types.ScreenshotEntry) error
	Get(ctx context.Context, deviceID string) (*types.ScreenshotEntry, bool, error)
}

// expired reports whether an entry captured at capturedAt is past ttl at now
func expired(capturedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(capturedAt) > ttl
}
