// Package signaling relays WebRTC negotiation between a staff viewer and a device
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// State of one live view negotiation
type State string

const (
	StateIdle           State = "idle"
	StateOfferSent      State = "offer-sent"
	StateAnswerReceived State = "answer-received"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
)

// Side names the peer a candidate came from
type Side string

const (
	SideViewer Side = "viewer"
	SideDevice Side = "device"
)

// Close reasons, also the label of the sessions-closed metric
const (
	ReasonStopped            = "stopped"
	ReasonReplaced           = "replaced"
	ReasonDeviceDisconnected = "device-disconnected"
	ReasonViewerDisconnected = "viewer-disconnected"
	ReasonPeerFailed         = "peer-failed"
	ReasonTimeout            = "timeout"
	ReasonDeliveryFailed     = "delivery-failed"
)

// Session is a snapshot of one (viewer, device) negotiation
type Session struct {
	ViewerID  string    `json:"viewerId"`
	DeviceID  string    `json:"deviceId"`
	SchoolID  string    `json:"schoolId"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Relay payloads written to sockets
type (
	RequestStream struct {
		ViewerID   string             `json:"viewerId"`
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	SDPMessage struct {
		ViewerID string                    `json:"viewerId"`
		DeviceID string                    `json:"deviceId"`
		SDP      webrtc.SessionDescription `json:"sdp"`
	}
	CandidateMessage struct {
		ViewerID  string                  `json:"viewerId"`
		DeviceID  string                  `json:"deviceId"`
		Candidate webrtc.ICECandidateInit `json:"candidate"`
	}
	StopShare struct {
		ViewerID string `json:"viewerId"`
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
	}
)

// Config tunes the relay
type Config struct {
	ICEServers         []webrtc.ICEServer
	NegotiationTimeout time.Duration
	ReapInterval       time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ICEServers:         []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		NegotiationTimeout: 60 * time.Second,
		ReapInterval:       10 * time.Second,
	}
}

type sessionKey struct {
	viewerID string
	deviceID string
}

// Relay forwards offers, answers and candidates; it never touches media
// ARCHITECTURAL DISCOVERY: The relay only tracks negotiation state. Both peers talk to
// each other through their existing sockets, so a session is bound to the sockets
// registered on this process and dies with either of them.
type Relay struct {
	registry *websocket.Registry
	config   Config

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelay creates a signaling relay
func NewRelay(registry *websocket.Registry, config Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	defaults := DefaultConfig()
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = defaults.NegotiationTimeout
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaults.ReapInterval
	}
	if config.ICEServers == nil {
		config.ICEServers = []webrtc.ICEServer{}
	}
	return &Relay{
		registry: registry,
		config:   config,
		sessions: make(map[sessionKey]*Session),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.OrDiscard(logger).With("component", "signaling"),
		metrics:  metrics.OrNop(m),
	}
}

// ICEServers returns the STUN/TURN servers handed to both peers
func (r *Relay) ICEServers() []webrtc.ICEServer {
	return r.config.ICEServers
}

// Start opens a live view of deviceID for viewer and asks the device to stream
// FUNCTIONAL DISCOVERY: A second Start for the same pair closes the first session,
// so a reloaded dashboard never leaves a half-open negotiation behind
func (r *Relay) Start(ctx context.Context, viewer types.Identity, deviceID string) (*Session, error) {
	device, ok := r.registry.LookupDevice(deviceID)
	if !ok || device.SchoolID != viewer.SchoolID {
		return nil, ErrDeviceNotConnected
	}

	key := sessionKey{viewerID: viewer.PeerID, deviceID: deviceID}
	now := r.now()
	session := &Session{
		ViewerID:  viewer.PeerID,
		DeviceID:  deviceID,
		SchoolID:  device.SchoolID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// TECHNICAL DISCOVERY: Displacing the old session and inserting the new one happen
	// under one lock; concurrent Starts for a pair each close exactly one predecessor
	r.mu.Lock()
	displaced := r.removeLocked(key, nil)
	r.sessions[key] = session
	snapshot := *session
	r.mu.Unlock()
	r.metrics.SignalingSessionsActive.Inc()

	if displaced != nil {
		r.finish(key, *displaced, ReasonReplaced, false)
	}

	if err := r.sendToDevice(snapshot, types.EventRequestStream, RequestStream{ViewerID: viewer.PeerID, ICEServers: r.config.ICEServers}); err != nil {
		r.closeExact(key, session, ReasonDeliveryFailed)
		return nil, err
	}

	r.logger.Info("live view started", "viewer_id", viewer.PeerID, "device_id", deviceID, "school_id", device.SchoolID)
	return &snapshot, nil
}

// Offer relays the viewer's SDP offer to the device
func (r *Relay) Offer(viewerID, deviceID string, sdp webrtc.SessionDescription) error {
	if err := validateSDP(sdp, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	key := sessionKey{viewerID: viewerID, deviceID: deviceID}
	session, err := r.transition(key, StateOfferSent, StateIdle, StateOfferSent)
	if err != nil {
		return err
	}

	if err := r.sendToDevice(session, types.EventOffer, SDPMessage{ViewerID: viewerID, DeviceID: deviceID, SDP: sdp}); err != nil {
		r.close(key, ReasonDeliveryFailed, true)
		return err
	}
	return nil
}

// Answer relays the device's SDP answer to the viewer
func (r *Relay) Answer(deviceID, viewerID string, sdp webrtc.SessionDescription) error {
	if err := validateSDP(sdp, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	key := sessionKey{viewerID: viewerID, deviceID: deviceID}
	session, err := r.transition(key, StateAnswerReceived, StateOfferSent)
	if err != nil {
		return err
	}

	if err := r.sendToViewer(session, types.EventAnswer, SDPMessage{ViewerID: viewerID, DeviceID: deviceID, SDP: sdp}); err != nil {
		r.close(key, ReasonDeliveryFailed, false)
		return err
	}
	return nil
}

// Candidate relays an ICE candidate to the side opposite from
func (r *Relay) Candidate(from Side, viewerID, deviceID string, candidate webrtc.ICECandidateInit) error {
	if from != SideViewer && from != SideDevice {
		return ErrInvalidSide
	}
	if len(candidate.Candidate) > 4096 {
		return ErrInvalidCandidate
	}

	key := sessionKey{viewerID: viewerID, deviceID: deviceID}
	session, err := r.snapshot(key, StateOfferSent, StateAnswerReceived, StateConnected)
	if err != nil {
		return err
	}

	msg := CandidateMessage{ViewerID: viewerID, DeviceID: deviceID, Candidate: candidate}
	if from == SideViewer {
		err = r.sendToDevice(session, types.EventICE, msg)
	} else {
		err = r.sendToViewer(session, types.EventICE, msg)
	}
	if err != nil {
		r.close(key, ReasonDeliveryFailed, from == SideDevice)
	}
	return err
}

// PeerState applies a peer connection state reported by either side
func (r *Relay) PeerState(viewerID, deviceID, raw string) error {
	state, ok := parsePeerState(raw)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPeerState, raw)
	}

	key := sessionKey{viewerID: viewerID, deviceID: deviceID}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		_, err := r.transition(key, StateConnected, StateOfferSent, StateAnswerReceived, StateConnected)
		if err == nil {
			r.logger.Info("live view connected", "viewer_id", viewerID, "device_id", deviceID)
		}
		return err
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		if !r.close(key, ReasonPeerFailed, true) {
			return ErrSessionNotFound
		}
		return nil
	default:
		_, err := r.snapshot(key)
		return err
	}
}

// Stop ends the viewer's session with deviceID
func (r *Relay) Stop(viewerID, deviceID string) error {
	if !r.close(sessionKey{viewerID: viewerID, deviceID: deviceID}, ReasonStopped, false) {
		return ErrSessionNotFound
	}
	return nil
}

// DeviceDisconnected closes every session of a device whose socket went away
func (r *Relay) DeviceDisconnected(deviceID string) int {
	return r.closeMatching(func(k sessionKey) bool { return k.deviceID == deviceID }, ReasonDeviceDisconnected, true)
}

// ViewerDisconnected closes every session of a viewer whose socket went away
func (r *Relay) ViewerDisconnected(viewerID string) int {
	return r.closeMatching(func(k sessionKey) bool { return k.viewerID == viewerID }, ReasonViewerDisconnected, false)
}

// Reap closes sessions stuck in negotiation longer than the timeout
func (r *Relay) Reap() int {
	cutoff := r.now().Add(-r.config.NegotiationTimeout)

	r.mu.Lock()
	var stale []sessionKey
	for key, session := range r.sessions {
		if (session.State == StateIdle || session.State == StateOfferSent) && session.UpdatedAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	r.mu.Unlock()

	closed := 0
	for _, key := range stale {
		if r.close(key, ReasonTimeout, true) {
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info("reaped stalled live views", "count", closed)
	}
	return closed
}

// Run reaps on an interval until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Reap()
		case <-ctx.Done():
			return
		}
	}
}

// Session returns a snapshot of the pair's session
func (r *Relay) Session(viewerID, deviceID string) (*Session, bool) {
	session, err := r.snapshot(sessionKey{viewerID: viewerID, deviceID: deviceID})
	if err != nil {
		return nil, false
	}
	return &session, true
}

// Sessions returns snapshots of every open session, ordered by viewer then device
func (r *Relay) Sessions() []Session {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, *session)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ViewerID != sessions[j].ViewerID {
			return sessions[i].ViewerID < sessions[j].ViewerID
		}
		return sessions[i].DeviceID < sessions[j].DeviceID
	})
	return sessions
}

// transition moves the session to next if it is currently in one of from
func (r *Relay) transition(key sessionKey, next State, from ...State) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[key]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !inStates(session.State, from) {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidState, session.State)
	}
	session.State = next
	session.UpdatedAt = r.now()
	return *session, nil
}

// snapshot returns a copy of the session if it is in one of states (any state when none given)
func (r *Relay) snapshot(key sessionKey, states ...State) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[key]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if len(states) > 0 && !inStates(session.State, states) {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidState, session.State)
	}
	return *session, nil
}

// close removes the session and sends stop-share notices; it reports whether this
// call did the removal
// TECHNICAL DISCOVERY: Removal happens under the lock and only the remover sends
// notices, so a session transitions to Closed exactly once however many paths race
func (r *Relay) close(key sessionKey, reason string, notifyViewer bool) bool {
	r.mu.Lock()
	session := r.removeLocked(key, nil)
	r.mu.Unlock()
	if session == nil {
		return false
	}
	r.finish(key, *session, reason, notifyViewer)
	return true
}

// closeExact closes key only while it still holds session
func (r *Relay) closeExact(key sessionKey, session *Session, reason string) bool {
	r.mu.Lock()
	removed := r.removeLocked(key, session)
	r.mu.Unlock()
	if removed == nil {
		return false
	}
	r.finish(key, *removed, reason, false)
	return true
}

// removeLocked deletes the session under key, or nothing when expect is set and a
// different session is registered. Callers hold r.mu.
func (r *Relay) removeLocked(key sessionKey, expect *Session) *Session {
	session, ok := r.sessions[key]
	if !ok || (expect != nil && session != expect) {
		return nil
	}
	delete(r.sessions, key)
	session.State = StateClosed
	session.UpdatedAt = r.now()
	closed := *session
	return &closed
}

// finish accounts for a removed session and sends the stop-share notices
func (r *Relay) finish(key sessionKey, session Session, reason string, notifyViewer bool) {
	r.metrics.SignalingSessionsActive.Dec()
	r.metrics.SignalingSessionsClosed.WithLabelValues(reason).Inc()

	notice := StopShare{ViewerID: key.viewerID, DeviceID: key.deviceID, Reason: reason}
	// FUNCTIONAL DISCOVERY: Best effort. A device whose socket is already gone is
	// skipped instead of being written to
	if _, registered := r.registry.LookupDevice(key.deviceID); registered {
		_ = r.sendToDevice(session, types.EventStopShare, notice)
	}
	if notifyViewer {
		_ = r.sendToViewer(session, types.EventStopShare, notice)
	}

	r.logger.Info("live view closed", "viewer_id", key.viewerID, "device_id", key.deviceID, "reason", reason)
}

func (r *Relay) closeMatching(match func(sessionKey) bool, reason string, notifyViewer bool) int {
	r.mu.Lock()
	var keys []sessionKey
	for key := range r.sessions {
		if match(key) {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()

	closed := 0
	for _, key := range keys {
		if r.close(key, reason, notifyViewer) {
			closed++
		}
	}
	return closed
}

func (r *Relay) sendToDevice(session Session, eventType string, payload interface{}) error {
	device, ok := r.registry.LookupDevice(session.DeviceID)
	if !ok || device.SchoolID != session.SchoolID {
		return ErrDeviceNotConnected
	}
	event, err := types.NewEvent(eventType, session.SchoolID, session.DeviceID, payload)
	if err != nil {
		return err
	}
	if err := device.Conn.WriteJSON(event); err != nil {
		return &types.DeliveryError{PeerID: session.DeviceID, Err: err}
	}
	return nil
}

func (r *Relay) sendToViewer(session Session, eventType string, payload interface{}) error {
	viewer, ok := r.registry.LookupStaffUser(session.ViewerID)
	if !ok || viewer.SchoolID != session.SchoolID {
		return &types.DeliveryError{PeerID: session.ViewerID, Err: ErrSessionNotFound}
	}
	event, err := types.NewEvent(eventType, session.SchoolID, session.DeviceID, payload)
	if err != nil {
		return err
	}
	if err := viewer.Conn.WriteJSON(event); err != nil {
		return &types.DeliveryError{PeerID: session.ViewerID, Err: err}
	}
	return nil
}

// validateSDP checks the description type and that pion can parse the body
func validateSDP(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSDP, want, sd.Type)
	}
	if sd.SDP == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidSDP)
	}
	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return nil
}

var peerStates = []webrtc.PeerConnectionState{
	webrtc.PeerConnectionStateNew,
	webrtc.PeerConnectionStateConnecting,
	webrtc.PeerConnectionStateConnected,
	webrtc.PeerConnectionStateDisconnected,
	webrtc.PeerConnectionStateFailed,
	webrtc.PeerConnectionStateClosed,
}

// parsePeerState maps the browser's RTCPeerConnection.connectionState string
func parsePeerState(raw string) (webrtc.PeerConnectionState, bool) {
	for _, state := range peerStates {
		if state.String() == raw {
			return state, true
		}
	}
	return webrtc.PeerConnectionStateUnknown, false
}

func inStates(state State, states []State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
