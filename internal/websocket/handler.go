package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bzinkan/SchoolPilot-sub002/internal/auth"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Authenticator verifies the token presented on an upgrade request
type Authenticator interface {
	AuthenticateDevice(ctx context.Context, token string) (types.Identity, error)
	AuthenticateStaff(ctx context.Context, token string) (types.Identity, error)
}

// InboundHandler receives every parsed message and the disconnect of every registered socket
type InboundHandler interface {
	HandleMessage(ctx context.Context, conn interfaces.Connection, msg *types.InboundMessage) error
	Disconnected(conn interfaces.Connection)
}

// HandlerConfig tunes the read side of every socket
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Connection     Options
	CheckOrigin    func(r *http.Request) bool
}

// DefaultHandlerConfig returns the production defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 64 << 10,
		Connection:     DefaultOptions(),
	}
}

// Handler upgrades authenticated device and staff requests and runs their read pumps
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// parsed messages go to the InboundHandler, bookkeeping goes to the Registry
type Handler struct {
	registry *Registry
	auth     Authenticator
	inbound  InboundHandler
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler with dependency injection
func NewHandler(registry *Registry, authenticator Authenticator, inbound InboundHandler, config HandlerConfig, logger *slog.Logger) *Handler {
	defaults := DefaultHandlerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= config.PingInterval {
		config.ReadTimeout = 2 * config.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		// Devices are browser extensions and carry extension origins; the token is the gate
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		registry: registry,
		auth:     authenticator,
		inbound:  inbound,
		config:   config,
		upgrader: websocket.Upgrader{
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logging.OrDiscard(logger).With("component", "websocket"),
	}
}

// HandleDevice serves GET /ws/device
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.auth.AuthenticateDevice)
}

// HandleStaff serves GET /ws/staff
func (h *Handler) HandleStaff(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.auth.AuthenticateStaff)
}

// serve authenticates, upgrades, registers and starts the read pump
// ARCHITECTURAL DISCOVERY: Multi-stage validation (token -> WebSocket -> identity -> registration)
// answers bad credentials with a plain HTTP status before any socket exists
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, authenticate func(context.Context, string) (types.Identity, error)) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		auth.WriteError(w, auth.ErrMissingToken)
		return
	}

	identity, err := authenticate(r.Context(), token)
	if err != nil {
		h.logger.Debug("websocket authentication failed", "error", err)
		auth.WriteError(w, err)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(wsConn, h.config.Connection)
	if err := conn.SetIdentity(identity); err != nil {
		h.logger.Error("failed to set identity", "peer_id", identity.PeerID, "error", err)
		_ = conn.Close()
		return
	}

	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", "peer_id", identity.PeerID, "error", err)
		_ = conn.Close()
		return
	}

	h.logger.Info("connection opened", "peer_id", identity.PeerID, "role", identity.Role, "school_id", identity.SchoolID)

	// TECHNICAL DISCOVERY: The request context ends when ServeHTTP returns, so the
	// read pump runs with its own context tied to the connection lifetime
	go h.handleConnection(conn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: One reader goroutine plus one ping goroutine per socket;
// the writer goroutine lives in Connection
func (h *Handler) handleConnection(conn *Connection) {
	identity := conn.Identity()
	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		// FUNCTIONAL DISCOVERY: Unregister is a no-op for a socket that was already evicted
		// or dropped after a failed delivery; the inbound handler is told either way
		h.registry.Unregister(conn)
		if h.inbound != nil {
			h.inbound.Disconnected(conn)
		}
		_ = conn.Close()
		h.logger.Info("connection closed", "peer_id", identity.PeerID, "role", identity.Role)
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.logger.Debug("failed to set read deadline", "error", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "peer_id", identity.PeerID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any inbound frame proves the peer is alive
		_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		h.dispatch(ctx, conn, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, data []byte) {
	var msg types.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		_ = conn.WriteJSON(types.NewSystemEvent(types.NoticeMessageError, "message must be a JSON object with a type"))
		return
	}
	if h.inbound == nil {
		return
	}

	if err := h.inbound.HandleMessage(ctx, conn, &msg); err != nil {
		code := types.NoticeMessageError
		var notice *types.NoticeError
		if errors.As(err, &notice) {
			code = notice.Code
		}
		h.logger.Debug("inbound message rejected", "peer_id", conn.Identity().PeerID, "type", msg.Type, "error", err)
		_ = conn.WriteJSON(types.NewSystemEvent(code, err.Error()))
	}
}

// pingLoop sends keepalive pings until the connection closes
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.Connection.WriteTimeout)
			if h.config.Connection.WriteTimeout <= 0 {
				deadline = time.Now().Add(DefaultOptions().WriteTimeout)
			}
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
