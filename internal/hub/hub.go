package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/pubsub"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Config tunes the hub
type Config struct {
	QueueSize         int
	PublishTimeout    time.Duration
	ReconcileInterval time.Duration
	ChannelPrefix     string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:         1024,
		PublishTimeout:    2 * time.Second,
		ReconcileInterval: 5 * time.Second,
		ChannelPrefix:     "schoolpilot",
	}
}

// Hub fans broadcast events out to local connections and to sibling instances
// ARCHITECTURAL DISCOVERY: Central coordination point for all broadcast flow.
// Callers only enqueue; one dispatch goroutine delivers locally and hands off to one
// publisher goroutine, one receive goroutine handles remote echoes, one reconcile
// goroutine owns subscriptions.
type Hub struct {
	registry   *websocket.Registry
	transport  pubsub.PubSub // nil runs the hub local-only
	config     Config
	instanceID string

	queue    chan *envelope
	outbound chan *envelope // local delivery done, waiting for the shared transport
	kick     chan struct{}

	subMu      sync.Mutex
	subscribed map[string]bool // schoolID -> subscribed on the transport

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a hub; transport may be nil for a single-instance deployment
func New(registry *websocket.Registry, transport pubsub.PubSub, config Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = defaults.ChannelPrefix
	}

	return &Hub{
		registry:   registry,
		transport:  transport,
		config:     config,
		instanceID: uuid.New().String(),
		queue:      make(chan *envelope, config.QueueSize),
		outbound:   make(chan *envelope, config.QueueSize),
		kick:       make(chan struct{}, 1),
		subscribed: make(map[string]bool),
		logger:     logging.OrDiscard(logger).With("component", "hub"),
		metrics:    metrics.OrNop(m),
	}
}

// InstanceID identifies this process on the shared transport
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Start begins hub processing and hooks the registry's school observer
// FUNCTIONAL DISCOVERY: Single dispatch goroutine keeps per-school event order
// while callers never wait for delivery
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	ctx, h.cancel = context.WithCancel(ctx)
	h.registry.SetSchoolObserver(h.schoolChanged)

	h.wg.Add(1)
	go h.run(ctx)

	if h.transport != nil {
		h.wg.Add(3)
		go h.publishLoop(ctx)
		go h.receive(ctx)
		go h.reconcileLoop(ctx)
	}

	h.logger.Info("hub started", "instance_id", h.instanceID, "shared_transport", h.transport != nil)
	return nil
}

// Stop shuts the hub goroutines down and waits for them
// TECHNICAL DISCOVERY: Graceful shutdown prevents goroutine leaks; queued events not yet
// delivered are dropped since every broadcast is best effort
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	h.registry.SetSchoolObserver(nil)
	h.wg.Wait()

	if h.transport != nil {
		h.subMu.Lock()
		schools := make([]string, 0, len(h.subscribed))
		for school := range h.subscribed {
			schools = append(schools, Channel(h.config.ChannelPrefix, school))
		}
		h.subscribed = make(map[string]bool)
		h.subMu.Unlock()

		if len(schools) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), h.config.PublishTimeout)
			_ = h.transport.Unsubscribe(ctx, schools...)
			cancel()
		}
	}

	h.logger.Info("hub stopped")
	return nil
}

// Publish enqueues an event for local delivery and cross-instance republish.
// It never blocks; a full queue drops the event and returns ErrQueueFull.
func (h *Hub) Publish(scope Scope, event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}
	if !scope.Valid() {
		return ErrInvalidScope
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.queue <- &envelope{Origin: h.instanceID, Scope: scope, Event: event}:
		h.metrics.HubEventsPublished.WithLabelValues(event.Type).Inc()
		return nil
	default:
		h.metrics.HubQueueFull.Inc()
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type, "school_id", scope.SchoolID)
		return ErrQueueFull
	}
}

// DeliverLocal writes event to every matching local connection right away.
// Failed sockets are unregistered and closed; the rest still receive the event.
func (h *Hub) DeliverLocal(scope Scope, event *types.Event) DeliveryReport {
	var report DeliveryReport
	if event == nil || !scope.Valid() {
		return report
	}

	if scope.Staff {
		for _, staff := range h.registry.LookupStaff(scope.SchoolID) {
			h.deliverOne(staff.Conn, staff.UserID, "staff", event, &report)
		}
	}
	if scope.Devices {
		for _, device := range h.registry.LookupDevices(scope.SchoolID, scope.DeviceIDs...) {
			h.deliverOne(device.Conn, device.DeviceID, types.RoleDevice, event, &report)
		}
	}
	sort.Strings(report.Failed)
	return report
}

func (h *Hub) deliverOne(conn interfaces.Connection, peerID, role string, event *types.Event, report *DeliveryReport) {
	if err := conn.WriteJSON(event); err != nil {
		derr := &types.DeliveryError{PeerID: peerID, Err: err}
		h.metrics.DeliveryFailures.WithLabelValues(role).Inc()
		h.logger.Warn("dropping connection after failed delivery", "role", role, "error", derr)
		report.Failed = append(report.Failed, peerID)

		// ARCHITECTURAL DISCOVERY: A socket that cannot take writes is treated as gone;
		// dashboards then see the device drop to offline instead of an error
		h.registry.Unregister(conn)
		go func() { _ = conn.Close() }()
		return
	}
	report.Delivered++
}

// run is the dispatch loop
// TECHNICAL DISCOVERY: Local delivery never waits on the shared transport; a
// black-holed transport holds each publish for the full PublishTimeout
func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case env := <-h.queue:
			h.DeliverLocal(env.Scope, env.Event)
			h.handOff(env)
		case <-ctx.Done():
			return
		}
	}
}

// handOff queues env for the publisher without waiting; a full backlog drops it
func (h *Hub) handOff(env *envelope) {
	if h.transport == nil {
		return
	}
	select {
	case h.outbound <- env:
	default:
		h.metrics.PubSubFailures.WithLabelValues("backlog").Inc()
		h.logger.Warn("shared transport backlog full, event delivered locally only",
			"school_id", env.Scope.SchoolID, "type", env.Event.Type)
	}
}

// publishLoop drains the outbound backlog onto the shared transport in order
func (h *Hub) publishLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case env := <-h.outbound:
			h.republish(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// republish sends the envelope to sibling instances
// FUNCTIONAL DISCOVERY: Local delivery already happened, so a transport failure only
// narrows the audience to this instance; it is logged and counted, never returned
func (h *Hub) republish(ctx context.Context, env *envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode broadcast envelope", "type", env.Event.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, h.config.PublishTimeout)
	defer cancel()

	if err := h.transport.Publish(pubCtx, Channel(h.config.ChannelPrefix, env.Scope.SchoolID), payload); err != nil {
		h.metrics.PubSubFailures.WithLabelValues("publish").Inc()
		h.logger.Warn("shared transport unavailable, event delivered locally only",
			"school_id", env.Scope.SchoolID, "type", env.Event.Type, "error", err)
	}
}

// receive delivers envelopes published by sibling instances
func (h *Hub) receive(ctx context.Context) {
	defer h.wg.Done()

	messages := h.transport.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			h.handleRemote(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleRemote(msg pubsub.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		h.logger.Warn("discarding malformed broadcast envelope", "channel", msg.Channel, "error", err)
		return
	}
	if env.Origin == h.instanceID {
		return
	}
	if env.Event == nil || !env.Scope.Valid() {
		return
	}

	h.metrics.HubRemoteReceived.Inc()
	h.DeliverLocal(env.Scope, env.Event)
}

// schoolChanged is the registry observer; it only nudges the reconcile loop
func (h *Hub) schoolChanged(schoolID string, active bool) {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// reconcileLoop keeps transport subscriptions equal to the schools with local connections
// TECHNICAL DISCOVERY: Subscriptions are driven from one goroutine comparing desired and
// actual sets, so a transport outage is repaired by the next pass instead of by callbacks
func (h *Hub) reconcileLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.ReconcileInterval)
	defer ticker.Stop()

	h.reconcile(ctx)
	for {
		select {
		case <-h.kick:
			h.reconcile(ctx)
		case <-ticker.C:
			h.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) reconcile(ctx context.Context) {
	desired := make(map[string]bool)
	for _, school := range h.registry.Schools() {
		desired[school] = true
	}

	h.subMu.Lock()
	var toAdd, toRemove []string
	for school := range desired {
		if !h.subscribed[school] {
			toAdd = append(toAdd, school)
		}
	}
	for school := range h.subscribed {
		if !desired[school] {
			toRemove = append(toRemove, school)
		}
	}
	h.subMu.Unlock()

	for _, school := range toAdd {
		opCtx, cancel := context.WithTimeout(ctx, h.config.PublishTimeout)
		err := h.transport.Subscribe(opCtx, Channel(h.config.ChannelPrefix, school))
		cancel()
		if err != nil {
			h.metrics.PubSubFailures.WithLabelValues("subscribe").Inc()
			h.logger.Warn("subscribe failed, will retry", "school_id", school, "error", err)
			continue
		}
		h.setSubscribed(school, true)
	}

	for _, school := range toRemove {
		opCtx, cancel := context.WithTimeout(ctx, h.config.PublishTimeout)
		err := h.transport.Unsubscribe(opCtx, Channel(h.config.ChannelPrefix, school))
		cancel()
		if err != nil {
			h.metrics.PubSubFailures.WithLabelValues("unsubscribe").Inc()
			h.logger.Warn("unsubscribe failed, will retry", "school_id", school, "error", err)
			continue
		}
		h.setSubscribed(school, false)
	}
}

func (h *Hub) setSubscribed(school string, on bool) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if on {
		h.subscribed[school] = true
	} else {
		delete(h.subscribed, school)
	}
}

// Subscriptions returns the schools currently subscribed on the shared transport
func (h *Hub) Subscriptions() []string {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	schools := make([]string, 0, len(h.subscribed))
	for school := range h.subscribed {
		schools = append(schools, school)
	}
	sort.Strings(schools)
	return schools
}
