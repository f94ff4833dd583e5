package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports
// ARCHITECTURAL DISCOVERY: Collectors hang off a struct bound to one registerer
// instead of package globals, so tests get an isolated registry each
type Metrics struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsReplaced *prometheus.CounterVec

	HeartbeatsIngested     *prometheus.CounterVec
	HeartbeatPersistErrors prometheus.Counter
	DeviceEventsRecorded   prometheus.Counter

	HubEventsPublished *prometheus.CounterVec
	HubQueueFull       prometheus.Counter
	HubRemoteReceived  prometheus.Counter
	DeliveryFailures   *prometheus.CounterVec
	PubSubFailures     *prometheus.CounterVec

	CommandsDispatched  *prometheus.CounterVec
	CommandsUnreachable prometheus.Counter

	ScreenshotUploads   prometheus.Counter
	ScreenshotFallbacks *prometheus.CounterVec

	SignalingSessionsActive prometheus.Gauge
	SignalingSessionsClosed *prometheus.CounterVec

	MessagesRouted   *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec

	AuthAttempts *prometheus.CounterVec
}

// New registers all collectors on reg, labelled with the service name
func New(reg prometheus.Registerer, serviceName string) *Metrics {
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, reg))

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schoolpilot_connections_active",
			Help: "Live WebSocket connections in this process by role.",
		}, []string{"role"}),
		ConnectionsReplaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_connections_replaced_total",
			Help: "Connections evicted by a newer registration for the same id.",
		}, []string{"role"}),

		HeartbeatsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_heartbeats_ingested_total",
			Help: "Heartbeats persisted, by policy verdict.",
		}, []string{"verdict"}),
		HeartbeatPersistErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_heartbeat_persist_errors_total",
			Help: "Heartbeats rejected because the store failed.",
		}),
		DeviceEventsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_device_events_recorded_total",
			Help: "Device events persisted.",
		}),

		HubEventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_hub_events_published_total",
			Help: "Events accepted by the broadcast hub, by event type.",
		}, []string{"type"}),
		HubQueueFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_hub_queue_full_total",
			Help: "Events dropped because the hub queue was full.",
		}),
		HubRemoteReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_hub_remote_events_total",
			Help: "Events received from other instances over pub/sub.",
		}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_delivery_failures_total",
			Help: "Socket writes that failed, by recipient role.",
		}, []string{"role"}),
		PubSubFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_pubsub_failures_total",
			Help: "Shared pub/sub operations that failed, by operation.",
		}, []string{"op"}),

		CommandsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_commands_dispatched_total",
			Help: "Commands dispatched, by command type.",
		}, []string{"type"}),
		CommandsUnreachable: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_command_targets_unreachable_total",
			Help: "Command targets that were not connected to this instance.",
		}),

		ScreenshotUploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "schoolpilot_screenshot_uploads_total",
			Help: "Screenshots stored.",
		}),
		ScreenshotFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_screenshot_cache_fallbacks_total",
			Help: "Screenshot operations served by the local cache because the shared cache failed.",
		}, []string{"op"}),

		SignalingSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schoolpilot_signaling_sessions_active",
			Help: "Live view signaling sessions not yet closed.",
		}),
		SignalingSessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_signaling_sessions_closed_total",
			Help: "Signaling sessions closed, by reason.",
		}, []string{"reason"}),

		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_ws_messages_routed_total",
			Help: "Inbound WebSocket messages routed, by message type.",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_ws_messages_rejected_total",
			Help: "Inbound WebSocket messages rejected, by reason.",
		}, []string{"reason"}),

		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schoolpilot_auth_attempts_total",
			Help: "Token verifications, by principal kind and result.",
		}, []string{"kind", "result"}),
	}
}

// NewNop returns collectors bound to a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), "nop")
}

// OrNop returns m, or throwaway collectors when m is nil
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewNop()
	}
	return m
}
