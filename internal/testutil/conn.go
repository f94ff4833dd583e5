// Package testutil holds in-memory collaborators shared by package tests
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// ErrFakeClosed is returned by WriteJSON after Close
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection is an interfaces.Connection that records every written message
// ARCHITECTURAL DISCOVERY: Registry, hub, dispatcher and relay only see the Connection
// interface, so their tests never need a real socket
type FakeConnection struct {
	mu            sync.Mutex
	identity      types.Identity
	authenticated bool
	messages      [][]byte
	writeErr      error
	closed        bool
	closeCount    int
	done          chan struct{}
	written       chan struct{}
}

// NewFakeConnection returns a connection already authenticated as identity
func NewFakeConnection(identity types.Identity) *FakeConnection {
	return &FakeConnection{
		identity:      identity,
		authenticated: identity.PeerID != "",
		done:          make(chan struct{}),
		written:       make(chan struct{}, 1024),
	}
}

// Device is shorthand for an authenticated device connection
func Device(deviceID, schoolID string) *FakeConnection {
	return NewFakeConnection(types.Identity{
		PeerID:    deviceID,
		Role:      types.RoleDevice,
		SchoolID:  schoolID,
		StudentID: "student-" + deviceID,
	})
}

// Teacher is shorthand for an authenticated teacher connection
func Teacher(userID, schoolID string) *FakeConnection {
	return NewFakeConnection(types.Identity{
		PeerID:   userID,
		Role:     types.RoleTeacher,
		SchoolID: schoolID,
	})
}

func (f *FakeConnection) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFakeClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.messages = append(f.messages, data)
	select {
	case f.written <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCount++
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *FakeConnection) Identity() types.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *FakeConnection) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *FakeConnection) SetIdentity(identity types.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
	f.authenticated = true
	return nil
}

func (f *FakeConnection) Done() <-chan struct{} {
	return f.done
}

// FailWrites makes every later WriteJSON return err; nil restores normal writes
func (f *FakeConnection) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Closed reports whether Close was called
func (f *FakeConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Events decodes every message written so far as an outbound event envelope
func (f *FakeConnection) Events() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	events := make([]types.Event, 0, len(f.messages))
	for _, data := range f.messages {
		var event types.Event
		if err := json.Unmarshal(data, &event); err == nil {
			events = append(events, event)
		}
	}
	return events
}

// EventsOfType filters Events by type
func (f *FakeConnection) EventsOfType(eventType string) []types.Event {
	var result []types.Event
	for _, event := range f.Events() {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}

// WaitForEvent polls until an event of the given type was written or timeout elapses
func (f *FakeConnection) WaitForEvent(eventType string, timeout time.Duration) (types.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if events := f.EventsOfType(eventType); len(events) > 0 {
			return events[len(events)-1], true
		}
		select {
		case <-f.written:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return types.Event{}, false
		}
	}
}

// WaitClosed waits until Close was called or timeout elapses
func (f *FakeConnection) WaitClosed(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Reset forgets every recorded message
func (f *FakeConnection) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}
