package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// MemoryStore is an in-memory interfaces.DatabaseManager
type MemoryStore struct {
	mu         sync.RWMutex
	devices    map[string]*types.Device
	students   map[string]*types.Student
	policies   map[string]*types.Policy
	heartbeats []*types.HeartbeatRecord
	events     []*types.DeviceEvent

	// Control behavior for testing
	heartbeatErr error
	eventErr     error
	listErr      error
	deviceReads  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*types.Device),
		students: make(map[string]*types.Student),
		policies: make(map[string]*types.Policy),
	}
}

// FailHeartbeats makes CreateHeartbeat return err; nil restores it
func (s *MemoryStore) FailHeartbeats(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatErr = err
}

// FailEvents makes CreateDeviceEvent return err; nil restores it
func (s *MemoryStore) FailEvents(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventErr = err
}

// FailLists makes ListDevices and ListAllDevices return err; nil restores them
func (s *MemoryStore) FailLists(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// DeviceReads counts GetDevice calls that reached the store
func (s *MemoryStore) DeviceReads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceReads
}

// Heartbeats returns every stored heartbeat in insertion order
func (s *MemoryStore) Heartbeats() []*types.HeartbeatRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.HeartbeatRecord(nil), s.heartbeats...)
}

// DeviceEvents returns every stored device event in insertion order
func (s *MemoryStore) DeviceEvents() []*types.DeviceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.DeviceEvent(nil), s.events...)
}

func (s *MemoryStore) CreateHeartbeat(ctx context.Context, record *types.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatErr != nil {
		return s.heartbeatErr
	}
	if _, ok := s.devices[record.DeviceID]; !ok {
		return interfaces.ErrDeviceNotFound
	}
	copied := *record
	s.heartbeats = append(s.heartbeats, &copied)
	return nil
}

func (s *MemoryStore) GetHeartbeatsByDevice(ctx context.Context, deviceID string, limit int) ([]*types.HeartbeatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.HeartbeatRecord
	for i := len(s.heartbeats) - 1; i >= 0; i-- {
		if s.heartbeats[i].DeviceID == deviceID {
			result = append(result, s.heartbeats[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetLatestHeartbeats(ctx context.Context, schoolID string) (map[string]*types.HeartbeatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*types.HeartbeatRecord)
	for _, record := range s.heartbeats {
		if record.SchoolID != schoolID {
			continue
		}
		if prev, ok := latest[record.DeviceID]; !ok || !record.Timestamp.Before(prev.Timestamp) {
			latest[record.DeviceID] = record
		}
	}
	return latest, nil
}

func (s *MemoryStore) CreateDeviceEvent(ctx context.Context, event *types.DeviceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventErr != nil {
		return s.eventErr
	}
	if _, ok := s.devices[event.DeviceID]; !ok {
		return interfaces.ErrDeviceNotFound
	}
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceReads++
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, schoolID string) ([]*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var result []*types.Device
	for _, device := range s.devices {
		if device.SchoolID == schoolID {
			copied := *device
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListAllDevices(ctx context.Context) ([]*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	result := make([]*types.Device, 0, len(s.devices))
	for _, device := range s.devices {
		copied := *device
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, device *types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *device
	s.devices[device.ID] = &copied
	return nil
}

func (s *MemoryStore) SetDeviceActivePolicy(ctx context.Context, deviceID string, policyID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return interfaces.ErrDeviceNotFound
	}
	if policyID != nil {
		if _, ok := s.policies[*policyID]; !ok {
			return interfaces.ErrPolicyNotFound
		}
	}
	copied := *device
	copied.ActivePolicyID = policyID
	s.devices[deviceID] = &copied
	return nil
}

func (s *MemoryStore) GetPolicy(ctx context.Context, policyID string) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[policyID]
	if !ok {
		return nil, interfaces.ErrPolicyNotFound
	}
	copied := *policy
	return &copied, nil
}

func (s *MemoryStore) UpsertPolicy(ctx context.Context, policy *types.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *policy
	s.policies[policy.ID] = &copied
	return nil
}

func (s *MemoryStore) GetStudent(ctx context.Context, studentID string) (*types.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	student, ok := s.students[studentID]
	if !ok {
		return nil, interfaces.ErrStudentNotFound
	}
	copied := *student
	return &copied, nil
}

func (s *MemoryStore) UpsertStudent(ctx context.Context, student *types.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *student
	s.students[student.ID] = &copied
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// SeedDevice stores a device and returns it
func (s *MemoryStore) SeedDevice(deviceID, schoolID string, policyID *string) *types.Device {
	device := &types.Device{
		ID:             deviceID,
		SchoolID:       schoolID,
		StudentID:      "student-" + deviceID,
		Name:           deviceID,
		ActivePolicyID: policyID,
	}
	_ = s.UpsertDevice(context.Background(), device)
	return device
}

// SeedPolicy stores a school policy and returns its id
func (s *MemoryStore) SeedPolicy(policyID, schoolID string, allowed, blocked []string) *string {
	_ = s.UpsertPolicy(context.Background(), &types.Policy{
		ID:             policyID,
		SchoolID:       schoolID,
		Scope:          types.PolicyScopeSchool,
		Name:           policyID,
		AllowedDomains: allowed,
		BlockedDomains: blocked,
	})
	id := policyID
	return &id
}
