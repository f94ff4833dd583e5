package screenshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/internal/directory"
	"github.com/bzinkan/SchoolPilot-sub002/internal/hub"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// DefaultMaxBytes caps the encoded image of one upload
const DefaultMaxBytes = 2 << 20

// Broadcaster enqueues an event for staff without waiting on delivery
type Broadcaster interface {
	Publish(scope hub.Scope, event *types.Event) error
}

// Availability is broadcast to staff when a device uploads; it never carries the image
type Availability struct {
	DeviceID   string    `json:"deviceId"`
	CapturedAt time.Time `json:"capturedAt"`
	TabTitle   string    `json:"tabTitle,omitempty"`
	TabURL     string    `json:"tabUrl,omitempty"`
	TabFavicon string    `json:"tabFavicon,omitempty"`
}

// Service accepts device uploads and serves the latest screenshot to staff
type Service struct {
	cache       Cache
	directory   *directory.Manager
	broadcaster Broadcaster
	maxBytes    int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewService creates a screenshot service over cache
func NewService(cache Cache, dir *directory.Manager, broadcaster Broadcaster, maxBytes int, logger *slog.Logger, m *metrics.Metrics) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		cache:       cache,
		directory:   dir,
		broadcaster: broadcaster,
		maxBytes:    maxBytes,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logging.OrDiscard(logger).With("component", "screenshot"),
		metrics:     metrics.OrNop(m),
	}
}

// Upload replaces the device's latest screenshot and notifies staff
func (s *Service) Upload(ctx context.Context, deviceID string, entry *types.ScreenshotEntry) error {
	if entry == nil {
		return types.ErrEmptyScreenshot
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if len(entry.Image) > s.maxBytes {
		return ErrImageTooLarge
	}

	device, err := s.directory.GetDevice(ctx, deviceID)
	if errors.Is(err, interfaces.ErrDeviceNotFound) {
		return types.ErrAuth
	}
	if err != nil {
		return err
	}

	// FUNCTIONAL DISCOVERY: Device clocks drift; a capture time in the future
	// would keep a stale frame alive past the TTL
	now := s.now()
	if entry.CapturedAt.IsZero() || entry.CapturedAt.After(now) {
		entry.CapturedAt = now
	}

	if err := s.cache.Put(ctx, deviceID, entry); err != nil {
		return err
	}
	s.metrics.ScreenshotUploads.Inc()

	event, err := types.NewEvent(types.EventScreenshotAvailable, device.SchoolID, device.ID, Availability{
		DeviceID:   device.ID,
		CapturedAt: entry.CapturedAt,
		TabTitle:   entry.TabTitle,
		TabURL:     entry.TabURL,
		TabFavicon: entry.TabFavicon,
	})
	if err != nil {
		s.logger.Error("failed to build screenshot notice", "device_id", deviceID, "error", err)
		return nil
	}
	if err := s.broadcaster.Publish(hub.StaffScope(device.SchoolID), event); err != nil {
		s.logger.Warn("screenshot notice not enqueued", "device_id", deviceID, "error", err)
	}
	return nil
}

// Latest returns the device's screenshot if it is recent and the device is in schoolID
func (s *Service) Latest(ctx context.Context, schoolID, deviceID string) (*types.ScreenshotEntry, error) {
	device, err := s.directory.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.SchoolID != schoolID {
		return nil, directory.ErrWrongSchool
	}

	entry, ok, err := s.cache.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoScreenshot
	}
	return entry, nil
}
