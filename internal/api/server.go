// Package api serves the device and staff HTTP endpoints and mounts the socket handlers
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bzinkan/SchoolPilot-sub002/internal/auth"
	"github.com/bzinkan/SchoolPilot-sub002/internal/command"
	"github.com/bzinkan/SchoolPilot-sub002/internal/heartbeat"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/screenshot"
	"github.com/bzinkan/SchoolPilot-sub002/internal/signaling"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Config tunes the HTTP surface
type Config struct {
	AllowedOrigins  []string
	DeviceRateLimit int // requests per minute per device; <= 0 disables
	MaxBodyBytes    int64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:  []string{"*"},
		DeviceRateLimit: 120,
		MaxBodyBytes:    4 << 20,
	}
}

// Dependencies are the components the API delegates to
type Dependencies struct {
	Verifier   *auth.Verifier
	Ingestor   *heartbeat.Ingestor
	Screenshot *screenshot.Service
	Dispatcher *command.Dispatcher
	Relay      *signaling.Relay
	Sockets    *websocket.Handler
	Registry   *websocket.Registry
	Database   interfaces.DatabaseManager
	Gatherer   prometheus.Gatherer
	InstanceID string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Dependencies
	config  Config
	router  chi.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	started time.Time
}

// NewServer builds the router with every route mounted
func NewServer(deps Dependencies, config Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		deps:    deps,
		config:  config,
		router:  chi.NewRouter(),
		logger:  logging.OrDiscard(logger).With("component", "api"),
		metrics: metrics.OrNop(m),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup groups by principal; each group carries its own auth middleware
func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	origins := originsOrAny(s.config.AllowedOrigins)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !anyOrigin(origins),
		MaxAge:           300,
	}))
	r.Use(s.metrics.WithMetrics(s.logger))

	r.Get("/health", s.healthCheck)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if s.deps.Sockets != nil {
		r.Get("/ws/device", s.deps.Sockets.HandleDevice)
		r.Get("/ws/staff", s.deps.Sockets.HandleStaff)
	}

	r.Route("/api/device", func(r chi.Router) {
		r.Use(s.deps.Verifier.RequireDevice)
		// TECHNICAL DISCOVERY: Keyed by device id, not IP; a whole classroom shares one NAT address
		if s.config.DeviceRateLimit > 0 {
			r.Use(httprate.Limit(s.config.DeviceRateLimit, time.Minute,
				httprate.WithKeyFuncs(devicePeerKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					s.sendError(w, http.StatusTooManyRequests, "RATE_LIMITED", "device request rate exceeded")
				}),
			))
		}
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/screenshot", s.handleScreenshotUpload)
		r.Post("/events", s.handleDeviceEvent)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Verifier.RequireStaff)
		r.Get("/api/devices", s.handleRoster)
		r.Get("/api/devices/{id}/heartbeats", s.handleHistory)
		r.Get("/api/devices/{id}/screenshot", s.handleScreenshotLatest)
		r.Post("/api/commands", s.handleCommand)
		r.Post("/api/devices/{id}/live-view", s.handleLiveViewStart)
		r.Delete("/api/devices/{id}/live-view", s.handleLiveViewStop)
		r.Post("/api/devices/{id}/live-view/offer", s.handleLiveViewOffer)
		r.Post("/api/devices/{id}/live-view/ice", s.handleLiveViewCandidate)
		r.Get("/api/live-view/ice-servers", s.handleICEServers)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type DeviceEventRequest struct {
	EventType string                 `json:"eventType"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type CommandResponse struct {
	*command.Result
	Message string `json:"message,omitempty"`
}

type RosterResponse struct {
	Devices []*types.DeviceStatus `json:"devices"`
}

type HistoryResponse struct {
	DeviceID   string                   `json:"deviceId"`
	Heartbeats []*types.HeartbeatRecord `json:"heartbeats"`
}

type ICEServersResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	InstanceID  string         `json:"instanceId,omitempty"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: POST /api/device/heartbeat - the HTTP twin of the socket heartbeat message
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var report types.HeartbeatReport
	if !s.decode(w, r, &report) {
		return
	}
	record, err := s.deps.Ingestor.Ingest(r.Context(), identity.PeerID, &report)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, record)
}

// FUNCTIONAL DISCOVERY: POST /api/device/screenshot - replaces the device's latest screenshot
func (s *Server) handleScreenshotUpload(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var entry types.ScreenshotEntry
	if !s.decode(w, r, &entry) {
		return
	}
	if err := s.deps.Screenshot.Upload(r.Context(), identity.PeerID, &entry); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FUNCTIONAL DISCOVERY: POST /api/device/events
func (s *Server) handleDeviceEvent(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var req DeviceEventRequest
	if !s.decode(w, r, &req) {
		return
	}
	event, err := s.deps.Ingestor.RecordEvent(r.Context(), identity.PeerID, req.EventType, req.Metadata)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, event)
}

// FUNCTIONAL DISCOVERY: GET /api/devices - roster of the caller's school with derived presence
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	roster, err := s.deps.Ingestor.Roster(r.Context(), identity.SchoolID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RosterResponse{Devices: roster})
}

// FUNCTIONAL DISCOVERY: GET /api/devices/{id}/heartbeats?limit=N - newest first
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	deviceID := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.deps.Ingestor.History(r.Context(), identity.SchoolID, deviceID, limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, HistoryResponse{DeviceID: deviceID, Heartbeats: records})
}

// FUNCTIONAL DISCOVERY: GET /api/devices/{id}/screenshot - 404 once the screenshot has aged out
func (s *Server) handleScreenshotLatest(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	entry, err := s.deps.Screenshot.Latest(r.Context(), identity.SchoolID, chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

// FUNCTIONAL DISCOVERY: POST /api/commands - partial delivery is a 200; reaching nobody
// is still a 200 with an explicit message so dashboards never see silence
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var cmd types.Command
	if !s.decode(w, r, &cmd) {
		return
	}
	// The issuer is always the authenticated caller
	cmd.IssuedBy = identity.PeerID
	cmd.IssuedAt = time.Time{}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), identity.SchoolID, &cmd)
	if err != nil {
		s.handleError(w, err)
		return
	}

	response := CommandResponse{Result: result}
	if result.NoReachableDevices() {
		response.Message = "no reachable devices"
	}
	s.sendJSON(w, http.StatusOK, response)
}

// FUNCTIONAL DISCOVERY: POST /api/devices/{id}/live-view - asks the device to start streaming
func (s *Server) handleLiveViewStart(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	session, err := s.deps.Relay.Start(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, session)
}

// FUNCTIONAL DISCOVERY: DELETE /api/devices/{id}/live-view
func (s *Server) handleLiveViewStop(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	if err := s.deps.Relay.Stop(identity.PeerID, chi.URLParam(r, "id")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FUNCTIONAL DISCOVERY: POST /api/devices/{id}/live-view/offer
func (s *Server) handleLiveViewOffer(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var sdp webrtc.SessionDescription
	if !s.decode(w, r, &sdp) {
		return
	}
	if err := s.deps.Relay.Offer(identity.PeerID, chi.URLParam(r, "id"), sdp); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FUNCTIONAL DISCOVERY: POST /api/devices/{id}/live-view/ice
func (s *Server) handleLiveViewCandidate(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var candidate webrtc.ICECandidateInit
	if !s.decode(w, r, &candidate) {
		return
	}
	if err := s.deps.Relay.Candidate(signaling.SideViewer, identity.PeerID, chi.URLParam(r, "id"), candidate); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FUNCTIONAL DISCOVERY: GET /api/live-view/ice-servers
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.deps.Relay.ICEServers()
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	s.sendJSON(w, http.StatusOK, ICEServersResponse{ICEServers: servers})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.deps.Database != nil {
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.deps.Registry != nil {
		connections = s.deps.Registry.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		InstanceID:  s.deps.InstanceID,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

// decode reads a size-capped JSON body; it answers 400 or 413 itself and reports success
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON")
		return false
	}
	return true
}

// handleError maps the shared error taxonomy onto status codes
func (s *Server) handleError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.sendError(w, status, code, http.StatusText(status))
		return
	}
	s.sendError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrAuth):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, types.ErrForbidden), errors.Is(err, command.ErrPolicyNotAllowed):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, command.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, screenshot.ErrImageTooLarge), errors.Is(err, command.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, signaling.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case isValidation(err):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, types.ErrPersistence):
		return http.StatusServiceUnavailable, "PERSISTENCE_FAILED"
	case errors.Is(err, types.ErrDelivery):
		return http.StatusBadGateway, "DELIVERY_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

var validationErrors = []error{
	types.ErrInvalidID,
	types.ErrInvalidURL,
	types.ErrInvalidTitle,
	types.ErrInvalidFavicon,
	types.ErrTooManyTabs,
	types.ErrInvalidEventType,
	types.ErrMetadataTooLarge,
	types.ErrEmptyScreenshot,
	heartbeat.ErrNilReport,
	command.ErrNilCommand,
	command.ErrUnknownType,
	command.ErrNoTargets,
	command.ErrInvalidTarget,
	command.ErrInvalidPayload,
	command.ErrMissingIssuer,
	signaling.ErrInvalidSDP,
	signaling.ErrInvalidCandidate,
	signaling.ErrInvalidPeerState,
}

func isValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func devicePeerKey(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFrom(r.Context()); ok {
		return identity.PeerID, nil
	}
	return httprate.KeyByIP(r)
}

func originsOrAny(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// anyOrigin reports a wildcard entry; a wildcard is never combined with credentials
func anyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
