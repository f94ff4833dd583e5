// Package directory serves device, student and policy lookups from a cache in front of the store
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// DefaultCacheTTL bounds how long a sibling instance's write stays invisible here
const DefaultCacheTTL = 30 * time.Second

type cachedDevice struct {
	device   *types.Device
	loadedAt time.Time
}

type cachedPolicy struct {
	policy   *types.Policy
	loadedAt time.Time
}

// Manager is a cache-first view of the directory store
// ARCHITECTURAL DISCOVERY: Heartbeats look up the device and its active policy on every
// report, so both are served from memory and the store is only hit on a miss, an
// expired entry or a write
type Manager struct {
	store    interfaces.DirectoryStore
	devices  map[string]cachedDevice // deviceID -> Device
	policies map[string]cachedPolicy // policyID -> Policy
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager creates a directory manager with DefaultCacheTTL
func NewManager(store interfaces.DirectoryStore, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		devices:  make(map[string]cachedDevice),
		policies: make(map[string]cachedPolicy),
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		logger:   logging.OrDiscard(logger).With("component", "directory"),
	}
}

func (m *Manager) fresh(loadedAt time.Time) bool {
	return m.now().Sub(loadedAt) < m.ttl
}

// LoadDevices warms the device cache from the store
func (m *Manager) LoadDevices(ctx context.Context) error {
	devices, err := m.store.ListAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = make(map[string]cachedDevice, len(devices))
	for _, device := range devices {
		m.devices[device.ID] = cachedDevice{device: device, loadedAt: now}
	}

	m.logger.Info("loaded devices", "count", len(devices))
	return nil
}

// GetDevice returns a device, checking the cache first.
// Returned values are shared and must not be mutated.
func (m *Manager) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	m.mu.RLock()
	if cached, exists := m.devices[deviceID]; exists && m.fresh(cached.loadedAt) {
		m.mu.RUnlock()
		return cached.device, nil
	}
	m.mu.RUnlock()

	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.devices[device.ID] = cachedDevice{device: device, loadedAt: m.now()}
	m.mu.Unlock()
	return device, nil
}

// ListDevices returns a school's devices from the store and refreshes the cache with them
func (m *Manager) ListDevices(ctx context.Context, schoolID string) ([]*types.Device, error) {
	devices, err := m.store.ListDevices(ctx, schoolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	for _, device := range devices {
		m.devices[device.ID] = cachedDevice{device: device, loadedAt: now}
	}
	m.mu.Unlock()
	return devices, nil
}

// UpsertDevice validates and stores a device
func (m *Manager) UpsertDevice(ctx context.Context, device *types.Device) error {
	if device == nil || !types.IsValidID(device.ID) || !types.IsValidID(device.SchoolID) || !types.IsValidID(device.StudentID) {
		return ErrInvalidDevice
	}
	if err := m.store.UpsertDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	copied := *device
	m.mu.Lock()
	m.devices[device.ID] = cachedDevice{device: &copied, loadedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// GetPolicy returns a policy, checking the cache first
func (m *Manager) GetPolicy(ctx context.Context, policyID string) (*types.Policy, error) {
	m.mu.RLock()
	if cached, exists := m.policies[policyID]; exists && m.fresh(cached.loadedAt) {
		m.mu.RUnlock()
		return cached.policy, nil
	}
	m.mu.RUnlock()

	policy, err := m.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.policies[policy.ID] = cachedPolicy{policy: policy, loadedAt: m.now()}
	m.mu.Unlock()
	return policy, nil
}

// UpsertPolicy validates and stores a policy; devices pointing at it see the change immediately
func (m *Manager) UpsertPolicy(ctx context.Context, policy *types.Policy) error {
	if policy == nil {
		return types.ErrInvalidID
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := m.store.UpsertPolicy(ctx, policy); err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	copied := *policy
	m.mu.Lock()
	m.policies[policy.ID] = cachedPolicy{policy: &copied, loadedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// ActivePolicy resolves the device's active policy pointer; nil means no flight path
// FUNCTIONAL DISCOVERY: A pointer to a policy that no longer exists is treated as
// "no policy" so a stale device row never blocks heartbeat ingestion
func (m *Manager) ActivePolicy(ctx context.Context, device *types.Device) (*types.Policy, error) {
	if device == nil || device.ActivePolicyID == nil || *device.ActivePolicyID == "" {
		return nil, nil
	}

	policy, err := m.GetPolicy(ctx, *device.ActivePolicyID)
	if errors.Is(err, interfaces.ErrPolicyNotFound) {
		m.logger.Warn("device points at a missing policy", "device_id", device.ID, "policy_id", *device.ActivePolicyID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// SetActivePolicy stores the device's active policy pointer; nil clears it
func (m *Manager) SetActivePolicy(ctx context.Context, deviceID string, policyID *string) error {
	if err := m.store.SetDeviceActivePolicy(ctx, deviceID, policyID); err != nil {
		return err
	}

	// TECHNICAL DISCOVERY: Cached devices are shared with readers, so the pointer change
	// swaps in a copy instead of writing through the cached value
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.devices[deviceID]; ok {
		copied := *cached.device
		if policyID != nil {
			id := *policyID
			copied.ActivePolicyID = &id
		} else {
			copied.ActivePolicyID = nil
		}
		m.devices[deviceID] = cachedDevice{device: &copied, loadedAt: m.now()}
	}
	return nil
}

// GetStudent reads a student straight from the store
func (m *Manager) GetStudent(ctx context.Context, studentID string) (*types.Student, error) {
	return m.store.GetStudent(ctx, studentID)
}

// UpsertStudent validates and stores a student
func (m *Manager) UpsertStudent(ctx context.Context, student *types.Student) error {
	if student == nil || !types.IsValidID(student.ID) || !types.IsValidID(student.SchoolID) {
		return ErrInvalidStudent
	}
	if err := m.store.UpsertStudent(ctx, student); err != nil {
		return fmt.Errorf("failed to upsert student: %w", err)
	}
	return nil
}

// Invalidate drops a device from the cache so the next lookup reads the store
func (m *Manager) Invalidate(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
}

// GetStats returns directory cache statistics
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"cached_devices":  len(m.devices),
		"cached_policies": len(m.policies),
	}
}
