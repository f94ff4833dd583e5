package interfaces

import (
	"context"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// HeartbeatStore persists device state reports and device events
// ARCHITECTURAL DISCOVERY: Append-only surface; nothing here updates a heartbeat in place
type HeartbeatStore interface {
	// CreateHeartbeat appends an immutable heartbeat record
	CreateHeartbeat(ctx context.Context, record *types.HeartbeatRecord) error

	// GetHeartbeatsByDevice returns the newest records first, at most limit
	GetHeartbeatsByDevice(ctx context.Context, deviceID string, limit int) ([]*types.HeartbeatRecord, error)

	// GetLatestHeartbeats returns the most recent record per device for a school
	GetLatestHeartbeats(ctx context.Context, schoolID string) (map[string]*types.HeartbeatRecord, error)

	// CreateDeviceEvent appends an arbitrary device event
	CreateDeviceEvent(ctx context.Context, event *types.DeviceEvent) error
}

// DirectoryStore holds device, student and policy records
type DirectoryStore interface {
	GetDevice(ctx context.Context, deviceID string) (*types.Device, error)
	ListDevices(ctx context.Context, schoolID string) ([]*types.Device, error)
	ListAllDevices(ctx context.Context) ([]*types.Device, error)
	UpsertDevice(ctx context.Context, device *types.Device) error
	SetDeviceActivePolicy(ctx context.Context, deviceID string, policyID *string) error

	GetPolicy(ctx context.Context, policyID string) (*types.Policy, error)
	UpsertPolicy(ctx context.Context, policy *types.Policy) error

	GetStudent(ctx context.Context, studentID string) (*types.Student, error)
	UpsertStudent(ctx context.Context, student *types.Student) error
}

// DatabaseManager handles all database operations
type DatabaseManager interface {
	HeartbeatStore
	DirectoryStore

	// HealthCheck validates database connectivity
	HealthCheck(ctx context.Context) error

	// Close releases database resources
	Close() error
}
