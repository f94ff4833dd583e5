package websocket

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// SchoolObserver is told when a school gains its first or loses its last local connection
type SchoolObserver func(schoolID string, active bool)

type deviceEntry struct {
	conn        interfaces.Connection
	schoolID    string
	studentID   string
	connectedAt time.Time
}

type staffEntry struct {
	conn     interfaces.Connection
	schoolID string
	role     string
}

// Registry tracks every device and staff socket accepted by this process
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations.
// The registry is per-process; sibling instances are reached only through the hub's pub/sub bridge.
type Registry struct {
	mu            sync.RWMutex
	devices       map[string]*deviceEntry            // deviceID -> entry
	staff         map[string]*staffEntry             // userID -> entry
	schoolDevices map[string]map[string]*deviceEntry // schoolID -> deviceID -> entry
	schoolStaff   map[string]map[string]*staffEntry  // schoolID -> userID -> entry
	lastSeen      map[string]time.Time               // deviceID -> newest observation, survives disconnect

	observer SchoolObserver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		devices:       make(map[string]*deviceEntry),
		staff:         make(map[string]*staffEntry),
		schoolDevices: make(map[string]map[string]*deviceEntry),
		schoolStaff:   make(map[string]map[string]*staffEntry),
		lastSeen:      make(map[string]time.Time),
		logger:        logging.OrDiscard(logger).With("component", "registry"),
		metrics:       metrics.OrNop(m),
	}
}

// SetSchoolObserver installs the callback used to manage per-school subscriptions.
// The callback runs outside the registry lock.
func (r *Registry) SetSchoolObserver(observer SchoolObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// RegisterDevice adds an authenticated device connection, evicting any previous
// connection for the same device id
// FUNCTIONAL DISCOVERY: Replacement is atomic under the write lock; the evicted socket is
// told why and closed asynchronously so registration never blocks on a slow peer
func (r *Registry) RegisterDevice(conn interfaces.Connection) error {
	identity, err := r.checkIdentity(conn, types.RoleDevice)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry := &deviceEntry{
		conn:        conn,
		schoolID:    identity.SchoolID,
		studentID:   identity.StudentID,
		connectedAt: now,
	}

	r.mu.Lock()
	wasActive := r.schoolActiveLocked(identity.SchoolID)
	existing := r.devices[identity.PeerID]
	var previousSchool string
	var previousSchoolStillActive bool
	if existing != nil {
		r.removeDeviceLocked(identity.PeerID, existing)
		previousSchool = existing.schoolID
	}

	r.devices[identity.PeerID] = entry
	if r.schoolDevices[identity.SchoolID] == nil {
		r.schoolDevices[identity.SchoolID] = make(map[string]*deviceEntry)
	}
	r.schoolDevices[identity.SchoolID][identity.PeerID] = entry
	if now.After(r.lastSeen[identity.PeerID]) {
		r.lastSeen[identity.PeerID] = now
	}
	if previousSchool != "" && previousSchool != identity.SchoolID {
		previousSchoolStillActive = r.schoolActiveLocked(previousSchool)
	}
	observer := r.observer
	r.mu.Unlock()

	if existing != nil {
		r.evict(existing.conn, types.RoleDevice, identity.PeerID)
		if previousSchool != identity.SchoolID && !previousSchoolStillActive {
			notify(observer, previousSchool, false)
		}
	} else {
		r.metrics.ConnectionsActive.WithLabelValues(types.RoleDevice).Inc()
	}
	if !wasActive {
		notify(observer, identity.SchoolID, true)
	}
	return nil
}

// RegisterStaff adds an authenticated staff connection, evicting any previous
// connection for the same user id
func (r *Registry) RegisterStaff(conn interfaces.Connection) error {
	identity, err := r.checkIdentity(conn, "")
	if err != nil {
		return err
	}
	if !identity.IsStaff() {
		return ErrWrongRole
	}

	entry := &staffEntry{conn: conn, schoolID: identity.SchoolID, role: identity.Role}

	r.mu.Lock()
	wasActive := r.schoolActiveLocked(identity.SchoolID)
	existing := r.staff[identity.PeerID]
	var previousSchool string
	var previousSchoolStillActive bool
	if existing != nil {
		r.removeStaffLocked(identity.PeerID, existing)
		previousSchool = existing.schoolID
	}

	r.staff[identity.PeerID] = entry
	if r.schoolStaff[identity.SchoolID] == nil {
		r.schoolStaff[identity.SchoolID] = make(map[string]*staffEntry)
	}
	r.schoolStaff[identity.SchoolID][identity.PeerID] = entry
	if previousSchool != "" && previousSchool != identity.SchoolID {
		previousSchoolStillActive = r.schoolActiveLocked(previousSchool)
	}
	observer := r.observer
	r.mu.Unlock()

	if existing != nil {
		r.evict(existing.conn, "staff", identity.PeerID)
		if previousSchool != identity.SchoolID && !previousSchoolStillActive {
			notify(observer, previousSchool, false)
		}
	} else {
		r.metrics.ConnectionsActive.WithLabelValues("staff").Inc()
	}
	if !wasActive {
		notify(observer, identity.SchoolID, true)
	}
	return nil
}

// Register dispatches to RegisterDevice or RegisterStaff by the connection's role
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.Identity().IsDevice() {
		return r.RegisterDevice(conn)
	}
	return r.RegisterStaff(conn)
}

// UnregisterDevice removes conn only if it is the instance currently registered
// RACE CONDITION FIX: an evicted socket's deferred cleanup must not remove its replacement
func (r *Registry) UnregisterDevice(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	deviceID := conn.Identity().PeerID

	r.mu.Lock()
	entry, exists := r.devices[deviceID]
	if !exists || entry.conn != conn {
		r.mu.Unlock()
		return false
	}
	r.removeDeviceLocked(deviceID, entry)
	stillActive := r.schoolActiveLocked(entry.schoolID)
	observer := r.observer
	r.mu.Unlock()

	r.metrics.ConnectionsActive.WithLabelValues(types.RoleDevice).Dec()
	if !stillActive {
		notify(observer, entry.schoolID, false)
	}
	return true
}

// UnregisterStaff removes conn only if it is the instance currently registered
func (r *Registry) UnregisterStaff(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	userID := conn.Identity().PeerID

	r.mu.Lock()
	entry, exists := r.staff[userID]
	if !exists || entry.conn != conn {
		r.mu.Unlock()
		return false
	}
	r.removeStaffLocked(userID, entry)
	stillActive := r.schoolActiveLocked(entry.schoolID)
	observer := r.observer
	r.mu.Unlock()

	r.metrics.ConnectionsActive.WithLabelValues("staff").Dec()
	if !stillActive {
		notify(observer, entry.schoolID, false)
	}
	return true
}

// Unregister dispatches by the connection's role
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	if conn.Identity().IsDevice() {
		return r.UnregisterDevice(conn)
	}
	return r.UnregisterStaff(conn)
}

// LookupDevices returns the school's connected devices. With no ids it returns
// every device in the school; otherwise only the listed ids that are connected
// to this process and belong to the school.
func (r *Registry) LookupDevices(schoolID string, deviceIDs ...string) []interfaces.DeviceConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	school := r.schoolDevices[schoolID]
	if len(school) == 0 {
		return nil
	}

	var result []interfaces.DeviceConnection
	if len(deviceIDs) == 0 {
		result = make([]interfaces.DeviceConnection, 0, len(school))
		for id, entry := range school {
			result = append(result, r.deviceSnapshotLocked(id, entry))
		}
		sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
		return result
	}

	for _, id := range deviceIDs {
		if entry, ok := school[id]; ok {
			result = append(result, r.deviceSnapshotLocked(id, entry))
		}
	}
	return result
}

// LookupDevice returns one connected device regardless of school
func (r *Registry) LookupDevice(deviceID string) (interfaces.DeviceConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.devices[deviceID]
	if !ok {
		return interfaces.DeviceConnection{}, false
	}
	return r.deviceSnapshotLocked(deviceID, entry), true
}

// IsDeviceConnection reports whether conn is the socket currently registered for its device
func (r *Registry) IsDeviceConnection(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[conn.Identity().PeerID]
	return ok && entry.conn == conn
}

// Superseded reports whether a different connection is now registered under conn's id
func (r *Registry) Superseded(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	identity := conn.Identity()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if identity.IsDevice() {
		entry, ok := r.devices[identity.PeerID]
		return ok && entry.conn != conn
	}
	entry, ok := r.staff[identity.PeerID]
	return ok && entry.conn != conn
}

// LookupStaff returns every staff connection for a school
func (r *Registry) LookupStaff(schoolID string) []interfaces.StaffConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	school := r.schoolStaff[schoolID]
	if len(school) == 0 {
		return nil
	}
	result := make([]interfaces.StaffConnection, 0, len(school))
	for id, entry := range school {
		result = append(result, interfaces.StaffConnection{UserID: id, SchoolID: entry.schoolID, Role: entry.role, Conn: entry.conn})
	}
	return result
}

// LookupStaffUser returns the connection of one staff user
func (r *Registry) LookupStaffUser(userID string) (interfaces.StaffConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.staff[userID]
	if !ok {
		return interfaces.StaffConnection{}, false
	}
	return interfaces.StaffConnection{UserID: userID, SchoolID: entry.schoolID, Role: entry.role, Conn: entry.conn}, true
}

// Touch records that a device was seen at t
// FUNCTIONAL DISCOVERY: lastSeen only moves forward, so a retransmitted older heartbeat
// can never make an online device look idle
func (r *Registry) Touch(deviceID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.lastSeen[deviceID]) {
		r.lastSeen[deviceID] = t
	}
}

// LastSeen returns the newest observation of a device in this process
func (r *Registry) LastSeen(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[deviceID]
	return t, ok
}

// IsDeviceConnected reports whether the device has a live socket on this process
func (r *Registry) IsDeviceConnected(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[deviceID]
	return ok
}

// Schools returns the schools with at least one local connection
func (r *Registry) Schools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.schoolDevices)+len(r.schoolStaff))
	for id := range r.schoolDevices {
		seen[id] = struct{}{}
	}
	for id := range r.schoolStaff {
		seen[id] = struct{}{}
	}
	schools := make([]string, 0, len(seen))
	for id := range seen {
		schools = append(schools, id)
	}
	sort.Strings(schools)
	return schools
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schools := make(map[string]bool)
	for id := range r.schoolDevices {
		schools[id] = true
	}
	for id := range r.schoolStaff {
		schools[id] = true
	}

	return map[string]int{
		"total_connections": len(r.devices) + len(r.staff),
		"devices":           len(r.devices),
		"staff":             len(r.staff),
		"active_schools":    len(schools),
	}
}

// CloseAll closes every registered connection; their read pumps then unregister them
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.devices)+len(r.staff))
	for _, entry := range r.devices {
		conns = append(conns, entry.conn)
	}
	for _, entry := range r.staff {
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (r *Registry) checkIdentity(conn interfaces.Connection, role string) (types.Identity, error) {
	if conn == nil {
		return types.Identity{}, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return types.Identity{}, ErrConnectionNotAuthenticated
	}
	identity := conn.Identity()
	if role != "" && identity.Role != role {
		return types.Identity{}, ErrWrongRole
	}
	return identity, nil
}

func (r *Registry) evict(conn interfaces.Connection, role, peerID string) {
	r.metrics.ConnectionsReplaced.WithLabelValues(role).Inc()
	r.logger.Info("connection replaced", "role", role, "peer_id", peerID)

	go func() {
		_ = conn.WriteJSON(types.NewSystemEvent(types.NoticeReplaced, "a newer connection for this id was registered"))
		if err := conn.Close(); err != nil {
			r.logger.Debug("failed to close replaced connection", "peer_id", peerID, "error", err)
		}
	}()
}

func (r *Registry) removeDeviceLocked(deviceID string, entry *deviceEntry) {
	delete(r.devices, deviceID)
	if school, ok := r.schoolDevices[entry.schoolID]; ok {
		delete(school, deviceID)
		if len(school) == 0 {
			delete(r.schoolDevices, entry.schoolID)
		}
	}
}

func (r *Registry) removeStaffLocked(userID string, entry *staffEntry) {
	delete(r.staff, userID)
	if school, ok := r.schoolStaff[entry.schoolID]; ok {
		delete(school, userID)
		if len(school) == 0 {
			delete(r.schoolStaff, entry.schoolID)
		}
	}
}

func (r *Registry) schoolActiveLocked(schoolID string) bool {
	return len(r.schoolDevices[schoolID]) > 0 || len(r.schoolStaff[schoolID]) > 0
}

func (r *Registry) deviceSnapshotLocked(deviceID string, entry *deviceEntry) interfaces.DeviceConnection {
	return interfaces.DeviceConnection{
		DeviceID:    deviceID,
		SchoolID:    entry.schoolID,
		StudentID:   entry.studentID,
		Conn:        entry.conn,
		ConnectedAt: entry.connectedAt,
		LastSeenAt:  r.lastSeen[deviceID],
	}
}

func notify(observer SchoolObserver, schoolID string, active bool) {
	if observer != nil {
		observer(schoolID, active)
	}
}
