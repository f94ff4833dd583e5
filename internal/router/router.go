// Package router routes typed socket messages from devices and staff to the component that owns them
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bzinkan/SchoolPilot-sub002/internal/heartbeat"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/ratelimit"
	"github.com/bzinkan/SchoolPilot-sub002/internal/signaling"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// DefaultMessageLimit is the inbound messages allowed per peer per minute
const DefaultMessageLimit = 120

// DeviceEventPayload is the body of a device-event message
type DeviceEventPayload struct {
	EventType string                 `json:"eventType"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PeerStatePayload is the body of a peer-state message
type PeerStatePayload struct {
	State string `json:"state"`
}

// Router implements websocket.InboundHandler
// ARCHITECTURAL DISCOVERY: Pure routing logic. Connection handling stays in the websocket
// package and each message type is owned by exactly one component.
type Router struct {
	registry *websocket.Registry
	ingestor *heartbeat.Ingestor
	relay    *signaling.Relay
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a message router; messageLimit <= 0 uses DefaultMessageLimit
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with in-memory components
func NewRouter(registry *websocket.Registry, ingestor *heartbeat.Ingestor, relay *signaling.Relay, messageLimit int, logger *slog.Logger, m *metrics.Metrics) *Router {
	if messageLimit <= 0 {
		messageLimit = DefaultMessageLimit
	}
	return &Router{
		registry: registry,
		ingestor: ingestor,
		relay:    relay,
		limiter:  ratelimit.New(messageLimit, time.Minute),
		logger:   logging.OrDiscard(logger).With("component", "router"),
		metrics:  metrics.OrNop(m),
	}
}

// HandleMessage validates and routes one inbound message
// FUNCTIONAL DISCOVERY: Validation order is type, role permission, rate limit, payload,
// so a peer sending junk is told what is wrong before its budget is touched
func (r *Router) HandleMessage(ctx context.Context, conn interfaces.Connection, msg *types.InboundMessage) error {
	if !conn.IsAuthenticated() {
		return ErrSenderNotConnected
	}
	sender := conn.Identity()

	if !isValidMessageType(msg.Type) {
		r.metrics.MessagesRejected.WithLabelValues("invalid_type").Inc()
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, msg.Type)
	}
	if !canSendMessageType(sender, msg.Type) {
		r.metrics.MessagesRejected.WithLabelValues("forbidden").Inc()
		return fmt.Errorf("%w: %s cannot send %s", ErrUnauthorizedMessageType, sender.Role, msg.Type)
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per peer before any component work
	if !r.limiter.Allow(sender.PeerID) {
		r.metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		return &types.NoticeError{Code: types.NoticeRateLimited, Err: ErrRateLimitExceeded}
	}

	var err error
	if sender.IsDevice() {
		err = r.routeDevice(ctx, sender, msg)
	} else {
		err = r.routeStaff(ctx, sender, msg)
	}
	if err != nil {
		r.metrics.MessagesRejected.WithLabelValues("handler_error").Inc()
		return err
	}

	r.metrics.MessagesRouted.WithLabelValues(msg.Type).Inc()
	return nil
}

func (r *Router) routeDevice(ctx context.Context, sender types.Identity, msg *types.InboundMessage) error {
	deviceID := sender.PeerID

	switch msg.Type {
	case types.MessageTypeHeartbeat:
		var report types.HeartbeatReport
		if err := decode(msg.Payload, &report); err != nil {
			return err
		}
		_, err := r.ingestor.Ingest(ctx, deviceID, &report)
		return err

	case types.MessageTypeDeviceEvent:
		var payload DeviceEventPayload
		if err := decode(msg.Payload, &payload); err != nil {
			return err
		}
		_, err := r.ingestor.RecordEvent(ctx, deviceID, payload.EventType, payload.Metadata)
		return err

	case types.MessageTypeAnswer:
		if msg.ViewerID == "" {
			return ErrMissingViewerID
		}
		var sdp webrtc.SessionDescription
		if err := decode(msg.Payload, &sdp); err != nil {
			return err
		}
		return r.relay.Answer(deviceID, msg.ViewerID, sdp)

	case types.MessageTypeICE:
		if msg.ViewerID == "" {
			return ErrMissingViewerID
		}
		var candidate webrtc.ICECandidateInit
		if err := decode(msg.Payload, &candidate); err != nil {
			return err
		}
		return r.relay.Candidate(signaling.SideDevice, msg.ViewerID, deviceID, candidate)

	case types.MessageTypePeerState:
		if msg.ViewerID == "" {
			return ErrMissingViewerID
		}
		var payload PeerStatePayload
		if err := decode(msg.Payload, &payload); err != nil {
			return err
		}
		return r.relay.PeerState(msg.ViewerID, deviceID, payload.State)
	}
	return ErrInvalidMessageType
}

func (r *Router) routeStaff(ctx context.Context, sender types.Identity, msg *types.InboundMessage) error {
	viewerID := sender.PeerID
	if msg.DeviceID == "" {
		return ErrMissingDeviceID
	}

	switch msg.Type {
	case types.MessageTypeStartLiveView:
		_, err := r.relay.Start(ctx, sender, msg.DeviceID)
		return err

	case types.MessageTypeStopLiveView:
		return r.relay.Stop(viewerID, msg.DeviceID)

	case types.MessageTypeOffer:
		var sdp webrtc.SessionDescription
		if err := decode(msg.Payload, &sdp); err != nil {
			return err
		}
		return r.relay.Offer(viewerID, msg.DeviceID, sdp)

	case types.MessageTypeICE:
		var candidate webrtc.ICECandidateInit
		if err := decode(msg.Payload, &candidate); err != nil {
			return err
		}
		return r.relay.Candidate(signaling.SideViewer, viewerID, msg.DeviceID, candidate)

	case types.MessageTypePeerState:
		var payload PeerStatePayload
		if err := decode(msg.Payload, &payload); err != nil {
			return err
		}
		return r.relay.PeerState(viewerID, msg.DeviceID, payload.State)
	}
	return ErrInvalidMessageType
}

// Disconnected closes the live views of a socket that went away
// ARCHITECTURAL DISCOVERY: An evicted socket's cleanup runs after its replacement is
// registered; sessions belong to the peer, so a superseded socket leaves them alone
func (r *Router) Disconnected(conn interfaces.Connection) {
	identity := conn.Identity()
	if identity.PeerID == "" || r.registry.Superseded(conn) {
		return
	}

	r.limiter.Forget(identity.PeerID)

	var closed int
	if identity.IsDevice() {
		closed = r.relay.DeviceDisconnected(identity.PeerID)
	} else {
		closed = r.relay.ViewerDisconnected(identity.PeerID)
	}
	if closed > 0 {
		r.logger.Info("closed live views of disconnected peer", "peer_id", identity.PeerID, "role", identity.Role, "sessions", closed)
	}
}

// Cleanup drops idle rate limiter state (call periodically)
func (r *Router) Cleanup() {
	r.limiter.Cleanup()
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Role-based message type permissions
// FUNCTIONAL DISCOVERY: Devices report state and answer negotiations; staff start and
// drive them. ice and peer-state are legal from both sides.
func canSendMessageType(sender types.Identity, messageType string) bool {
	switch {
	case sender.IsDevice():
		switch messageType {
		case types.MessageTypeHeartbeat, types.MessageTypeDeviceEvent, types.MessageTypeAnswer,
			types.MessageTypeICE, types.MessageTypePeerState:
			return true
		}
	case sender.IsStaff():
		switch messageType {
		case types.MessageTypeStartLiveView, types.MessageTypeStopLiveView, types.MessageTypeOffer,
			types.MessageTypeICE, types.MessageTypePeerState:
			return true
		}
	}
	return false
}

var validMessageTypes = map[string]bool{
	types.MessageTypeHeartbeat:     true,
	types.MessageTypeDeviceEvent:   true,
	types.MessageTypeStartLiveView: true,
	types.MessageTypeStopLiveView:  true,
	types.MessageTypeOffer:         true,
	types.MessageTypeAnswer:        true,
	types.MessageTypeICE:           true,
	types.MessageTypePeerState:     true,
}

func isValidMessageType(messageType string) bool {
	return validMessageTypes[messageType]
}
