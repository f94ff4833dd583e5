package presence

import (
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Thresholds bound the online and idle windows
type Thresholds struct {
	IdleAfter    time.Duration
	OfflineAfter time.Duration
}

// DefaultThresholds mirrors the dashboard's expectations: a device that has not
// reported for 30s is idle, for two minutes offline
func DefaultThresholds() Thresholds {
	return Thresholds{IdleAfter: 30 * time.Second, OfflineAfter: 120 * time.Second}
}

// Compute derives presence from the last time a device was seen.
// A zero lastSeen means never seen and is offline.
func Compute(lastSeen, now time.Time, th Thresholds) types.Presence {
	if lastSeen.IsZero() {
		return types.PresenceOffline
	}
	age := now.Sub(lastSeen)
	switch {
	case age < th.IdleAfter:
		return types.PresenceOnline
	case age < th.OfflineAfter:
		return types.PresenceIdle
	default:
		return types.PresenceOffline
	}
}

// Latest returns the newer of the in-process last-seen time and the last persisted heartbeat
// FUNCTIONAL DISCOVERY: A device connected to a sibling instance is only visible here
// through its persisted heartbeats, so both sources are folded together
func Latest(registryLastSeen time.Time, latest *types.HeartbeatRecord) time.Time {
	if latest != nil && latest.Timestamp.After(registryLastSeen) {
		return latest.Timestamp
	}
	return registryLastSeen
}

// Status assembles the staff-facing view of one device
func Status(device *types.Device, registryLastSeen time.Time, connected bool, latest *types.HeartbeatRecord, now time.Time, th Thresholds) *types.DeviceStatus {
	seen := Latest(registryLastSeen, latest)
	status := &types.DeviceStatus{
		Device:    device,
		Presence:  Compute(seen, now, th),
		Connected: connected,
		Latest:    latest,
	}
	if !seen.IsZero() {
		status.LastSeenAt = &seen
	}
	return status
}
