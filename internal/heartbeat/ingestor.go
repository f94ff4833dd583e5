// Package heartbeat turns device state reports into persisted records and staff updates
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bzinkan/SchoolPilot-sub002/internal/directory"
	"github.com/bzinkan/SchoolPilot-sub002/internal/hub"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/policy"
	"github.com/bzinkan/SchoolPilot-sub002/internal/presence"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Broadcaster enqueues an event for staff without waiting on delivery
type Broadcaster interface {
	Publish(scope hub.Scope, event *types.Event) error
}

// Ingestor validates, classifies, persists and broadcasts heartbeats
// ARCHITECTURAL DISCOVERY: Persist-then-broadcast. A record staff can see has always
// been written first, and the write never waits for any socket.
type Ingestor struct {
	directory   *directory.Manager
	store       interfaces.HeartbeatStore
	registry    *websocket.Registry
	broadcaster Broadcaster
	thresholds  presence.Thresholds
	now         func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewIngestor creates a heartbeat ingestor
func NewIngestor(dir *directory.Manager, store interfaces.HeartbeatStore, registry *websocket.Registry, broadcaster Broadcaster, thresholds presence.Thresholds, logger *slog.Logger, m *metrics.Metrics) *Ingestor {
	if thresholds.IdleAfter <= 0 || thresholds.OfflineAfter <= 0 {
		thresholds = presence.DefaultThresholds()
	}
	return &Ingestor{
		directory:   dir,
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		thresholds:  thresholds,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logging.OrDiscard(logger).With("component", "heartbeat"),
		metrics:     metrics.OrNop(m),
	}
}

// Ingest records one heartbeat from deviceID.
// A persistence failure returns a *types.PersistenceError and nothing is retried;
// the device's next heartbeat supersedes the lost one.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, report *types.HeartbeatReport) (*types.HeartbeatRecord, error) {
	if report == nil {
		return nil, ErrNilReport
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}

	device, err := i.lookup(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	activePolicy, err := i.directory.ActivePolicy(ctx, device)
	if err != nil {
		return nil, &types.PersistenceError{Op: "resolve policy", Err: err}
	}
	verdict := policy.Classify(activePolicy, report.ActiveTabURL)

	record := &types.HeartbeatRecord{
		ID:               uuid.New().String(),
		DeviceID:         device.ID,
		StudentID:        device.StudentID,
		SchoolID:         device.SchoolID,
		ActiveTabURL:     report.ActiveTabURL,
		ActiveTabTitle:   report.ActiveTabTitle,
		Favicon:          report.Favicon,
		ScreenLocked:     report.ScreenLocked,
		FlightPathActive: activePolicy != nil,
		OffTask:          verdict.OffTask(),
		Verdict:          string(verdict),
		AllOpenTabs:      report.AllOpenTabs,
		Timestamp:        i.timestamp(device.ID),
	}

	if err := i.store.CreateHeartbeat(ctx, record); err != nil {
		i.metrics.HeartbeatPersistErrors.Inc()
		perr := &types.PersistenceError{Op: "create heartbeat", Err: err}
		i.logger.Error("heartbeat dropped", "device_id", device.ID, "error", perr)
		return nil, perr
	}
	i.metrics.HeartbeatsIngested.WithLabelValues(record.Verdict).Inc()

	i.registry.Touch(device.ID, record.Timestamp)
	i.broadcast(types.EventStudentUpdate, record.SchoolID, record.DeviceID, record)
	return record, nil
}

// RecordEvent persists a device-reported event and tells staff about it
func (i *Ingestor) RecordEvent(ctx context.Context, deviceID, eventType string, metadata map[string]interface{}) (*types.DeviceEvent, error) {
	event := &types.DeviceEvent{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		EventType: eventType,
		Metadata:  metadata,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	device, err := i.lookup(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	event.SchoolID = device.SchoolID
	event.Timestamp = i.now()

	if err := i.store.CreateDeviceEvent(ctx, event); err != nil {
		perr := &types.PersistenceError{Op: "create device event", Err: err}
		i.logger.Error("device event dropped", "device_id", deviceID, "event_type", eventType, "error", perr)
		return nil, perr
	}
	i.metrics.DeviceEventsRecorded.Inc()

	i.broadcast(types.EventDeviceEvent, event.SchoolID, event.DeviceID, event)
	return event, nil
}

// History returns a device's heartbeats newest first, limited to schoolID
func (i *Ingestor) History(ctx context.Context, schoolID, deviceID string, limit int) ([]*types.HeartbeatRecord, error) {
	device, err := i.directory.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.SchoolID != schoolID {
		return nil, directory.ErrWrongSchool
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return i.store.GetHeartbeatsByDevice(ctx, deviceID, limit)
}

// Roster returns every device of a school with its derived presence
// FUNCTIONAL DISCOVERY: Presence folds the local last-seen time together with the
// latest persisted heartbeat, so devices on sibling instances still show as online
func (i *Ingestor) Roster(ctx context.Context, schoolID string) ([]*types.DeviceStatus, error) {
	devices, err := i.directory.ListDevices(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	latest, err := i.store.GetLatestHeartbeats(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	now := i.now()
	statuses := make([]*types.DeviceStatus, 0, len(devices))
	for _, device := range devices {
		lastSeen, _ := i.registry.LastSeen(device.ID)
		connected := i.registry.IsDeviceConnected(device.ID)
		statuses = append(statuses, presence.Status(device, lastSeen, connected, latest[device.ID], now, i.thresholds))
	}
	return statuses, nil
}

// lookup resolves the reporting device; an unknown id is an authentication failure
func (i *Ingestor) lookup(ctx context.Context, deviceID string) (*types.Device, error) {
	if !types.IsValidID(deviceID) {
		return nil, ErrUnknownDevice
	}
	device, err := i.directory.GetDevice(ctx, deviceID)
	if errors.Is(err, interfaces.ErrDeviceNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, &types.PersistenceError{Op: "lookup device", Err: err}
	}
	return device, nil
}

// timestamp assigns the server time, never earlier than the device's last sighting
func (i *Ingestor) timestamp(deviceID string) time.Time {
	ts := i.now()
	if last, ok := i.registry.LastSeen(deviceID); ok && last.After(ts) {
		ts = last
	}
	return ts
}

func (i *Ingestor) broadcast(eventType, schoolID, deviceID string, payload interface{}) {
	event, err := types.NewEvent(eventType, schoolID, deviceID, payload)
	if err != nil {
		i.logger.Error("failed to build broadcast", "type", eventType, "error", err)
		return
	}
	if err := i.broadcaster.Publish(hub.StaffScope(schoolID), event); err != nil {
		i.logger.Warn("broadcast not enqueued", "type", eventType, "device_id", deviceID, "error", err)
	}
}
