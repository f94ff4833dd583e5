package interfaces

import (
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Connection represents a live device or staff socket
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// so the registry, hub, dispatcher and relay can be exercised with in-memory fakes
type Connection interface {
	// WriteJSON queues a JSON message for the client (thread-safe)
	// FUNCTIONAL DISCOVERY: "Delivered" everywhere in the system means this returned nil,
	// i.e. the message is queued on an open socket, not that the client applied it
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources; safe to call repeatedly
	Close() error

	// Identity returns the credentials set after authentication
	Identity() types.Identity

	// IsAuthenticated returns true once SetIdentity succeeded
	IsAuthenticated() bool

	// SetIdentity stores credentials after token verification
	SetIdentity(identity types.Identity) error

	// Done is closed when the connection is closed
	Done() <-chan struct{}
}

// DeviceConnection is a registry snapshot of one device socket owned by this process
type DeviceConnection struct {
	DeviceID    string
	SchoolID    string
	StudentID   string
	Conn        Connection
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// StaffConnection is a registry snapshot of one staff dashboard socket
type StaffConnection struct {
	UserID   string
	SchoolID string
	Role     string
	Conn     Connection
}
