package types

import (
	"encoding/json"
	"time"
)

// Roles a connection can authenticate as
// ARCHITECTURAL DISCOVERY: Devices and staff share one transport, the role
// decides which registry map a connection lands in and which messages it may send
const (
	RoleDevice  = "device"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Outbound event types written to device and staff sockets
const (
	EventStudentUpdate       = "student-update"
	EventScreenshotAvailable = "screenshot-available"
	EventDeviceEvent         = "device-event"
	EventCommand             = "command"
	EventRequestStream       = "request-stream"
	EventStopShare           = "stop-share"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICE                 = "ice"
	EventSystem              = "system"
)

// Inbound message types read from sockets
const (
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeDeviceEvent   = "device-event"
	MessageTypeStartLiveView = "start-live-view"
	MessageTypeStopLiveView  = "stop-live-view"
	MessageTypeOffer         = "offer"
	MessageTypeAnswer        = "answer"
	MessageTypeICE           = "ice"
	MessageTypePeerState     = "peer-state"
)

// TargetAll selects every currently-connected device in a school
const TargetAll = "all"

// Device is a managed client endpoint, one per monitored student
// FUNCTIONAL DISCOVERY: The active policy is a pointer by id, never an embedded copy,
// so editing a policy changes classification for every device that references it
type Device struct {
	ID             string    `json:"id" db:"id"`
	SchoolID       string    `json:"schoolId" db:"school_id"`
	StudentID      string    `json:"studentId" db:"student_id"`
	Name           string    `json:"name" db:"name"`
	ActivePolicyID *string   `json:"activePolicyId,omitempty" db:"active_policy_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Student is the end-user a device belongs to
type Student struct {
	ID       string `json:"id" db:"id"`
	SchoolID string `json:"schoolId" db:"school_id"`
	Name     string `json:"name" db:"name"`
	Email    string `json:"email" db:"email"`
}

// Policy scopes
const (
	PolicyScopeSchool  = "school"
	PolicyScopeTeacher = "teacher"
)

// Policy is a flight path or block list
type Policy struct {
	ID             string   `json:"id" db:"id"`
	SchoolID       string   `json:"schoolId" db:"school_id"`
	Scope          string   `json:"scope" db:"scope"`
	OwnerID        string   `json:"ownerId,omitempty" db:"owner_id"`
	Name           string   `json:"name" db:"name"`
	AllowedDomains []string `json:"allowedDomains" db:"allowed_domains"`
	BlockedDomains []string `json:"blockedDomains" db:"blocked_domains"`
}

// HeartbeatReport is the device-submitted state report
type HeartbeatReport struct {
	ActiveTabURL   string   `json:"activeTabUrl"`
	ActiveTabTitle string   `json:"activeTabTitle"`
	Favicon        string   `json:"favicon,omitempty"`
	ScreenLocked   bool     `json:"screenLocked"`
	AllOpenTabs    []TabRef `json:"allOpenTabs,omitempty"`
}

// TabRef describes one open browser tab
type TabRef struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// HeartbeatRecord is an immutable, persisted heartbeat
// FUNCTIONAL DISCOVERY: Records are append-only; a newer record supersedes, nothing is updated in place
type HeartbeatRecord struct {
	ID               string    `json:"id" db:"id"`
	DeviceID         string    `json:"deviceId" db:"device_id"`
	StudentID        string    `json:"studentId" db:"student_id"`
	SchoolID         string    `json:"schoolId" db:"school_id"`
	ActiveTabURL     string    `json:"activeTabUrl" db:"active_tab_url"`
	ActiveTabTitle   string    `json:"activeTabTitle" db:"active_tab_title"`
	Favicon          string    `json:"favicon,omitempty" db:"favicon"`
	ScreenLocked     bool      `json:"screenLocked" db:"screen_locked"`
	FlightPathActive bool      `json:"flightPathActive" db:"flight_path_active"`
	OffTask          bool      `json:"offTask" db:"off_task"`
	Verdict          string    `json:"verdict" db:"verdict"`
	AllOpenTabs      []TabRef  `json:"allOpenTabs,omitempty" db:"all_open_tabs"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
}

// DeviceEvent is an arbitrary device-reported event kept for audit
type DeviceEvent struct {
	ID        string                 `json:"id" db:"id"`
	DeviceID  string                 `json:"deviceId" db:"device_id"`
	SchoolID  string                 `json:"schoolId" db:"school_id"`
	EventType string                 `json:"eventType" db:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

// Command is an ephemeral staff → device instruction
// ARCHITECTURAL DISCOVERY: Commands exist only for the duration of dispatch;
// they are never queued for devices that are not connected
type Command struct {
	ID              string          `json:"id"`
	TargetDeviceIDs []string        `json:"targetDeviceIds"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IssuedBy        string          `json:"issuedBy"`
	IssuedAt        time.Time       `json:"issuedAt"`
}

// TargetsAll reports whether the command addresses every device in the school
func (c *Command) TargetsAll() bool {
	return len(c.TargetDeviceIDs) == 1 && c.TargetDeviceIDs[0] == TargetAll
}

// ScreenshotEntry is the latest screenshot of a device
type ScreenshotEntry struct {
	Image      string    `json:"screenshot"`
	CapturedAt time.Time `json:"capturedAt"`
	TabTitle   string    `json:"tabTitle,omitempty"`
	TabURL     string    `json:"tabUrl,omitempty"`
	TabFavicon string    `json:"tabFavicon,omitempty"`
}

// Event is the envelope of every message written to a socket
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	SchoolID  string          `json:"schoolId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// InboundMessage is a typed message read from a device or staff socket
type InboundMessage struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"deviceId,omitempty"`
	ViewerID string          `json:"viewerId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Presence is derived from last-seen recency and never stored
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

// DeviceStatus is the staff-facing view of a device
type DeviceStatus struct {
	Device     *Device          `json:"device"`
	Presence   Presence         `json:"presence"`
	LastSeenAt *time.Time       `json:"lastSeenAt,omitempty"`
	Connected  bool             `json:"connected"`
	Latest     *HeartbeatRecord `json:"latest,omitempty"`
}

// Identity is the authenticated principal behind a connection or request
type Identity struct {
	PeerID    string   `json:"peerId"`
	Role      string   `json:"role"`
	SchoolID  string   `json:"schoolId"`
	StudentID string   `json:"studentId,omitempty"`
	Licenses  []string `json:"licenses,omitempty"`
}

// IsDevice reports whether the identity belongs to a managed device
func (i Identity) IsDevice() bool {
	return i.Role == RoleDevice
}

// IsStaff reports whether the identity belongs to supervising staff
func (i Identity) IsStaff() bool {
	return i.Role == RoleTeacher || i.Role == RoleAdmin
}
