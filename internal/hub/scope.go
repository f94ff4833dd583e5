package hub

import (
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Scope selects the local recipients of a broadcast
type Scope struct {
	SchoolID string `json:"schoolId"`
	// Staff delivers to every staff connection in the school
	Staff bool `json:"staff"`
	// Devices delivers to device connections in the school, restricted to DeviceIDs when set
	Devices   bool     `json:"devices"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
}

// StaffScope addresses every staff dashboard of a school
func StaffScope(schoolID string) Scope {
	return Scope{SchoolID: schoolID, Staff: true}
}

// DeviceScope addresses devices of a school; no ids means every device
func DeviceScope(schoolID string, deviceIDs ...string) Scope {
	return Scope{SchoolID: schoolID, Devices: true, DeviceIDs: deviceIDs}
}

// Valid reports whether the scope names a school and at least one audience
func (s Scope) Valid() bool {
	return s.SchoolID != "" && (s.Staff || s.Devices)
}

// envelope is the cross-instance wire form of one broadcast
// FUNCTIONAL DISCOVERY: Origin lets the instance that published an event drop its
// own echo, since it already delivered locally before publishing
type envelope struct {
	Origin string       `json:"origin"`
	Scope  Scope        `json:"scope"`
	Event  *types.Event `json:"event"`
}

// DeliveryReport summarises one local fan-out
type DeliveryReport struct {
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Channel is the pub/sub channel that carries a school's broadcasts
func Channel(prefix, schoolID string) string {
	return prefix + ":school:" + schoolID
}
