// Package app wires every component into one running service
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bzinkan/SchoolPilot-sub002/internal/api"
	"github.com/bzinkan/SchoolPilot-sub002/internal/auth"
	"github.com/bzinkan/SchoolPilot-sub002/internal/command"
	"github.com/bzinkan/SchoolPilot-sub002/internal/config"
	"github.com/bzinkan/SchoolPilot-sub002/internal/database"
	"github.com/bzinkan/SchoolPilot-sub002/internal/directory"
	"github.com/bzinkan/SchoolPilot-sub002/internal/heartbeat"
	"github.com/bzinkan/SchoolPilot-sub002/internal/hub"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/presence"
	"github.com/bzinkan/SchoolPilot-sub002/internal/pubsub"
	"github.com/bzinkan/SchoolPilot-sub002/internal/router"
	"github.com/bzinkan/SchoolPilot-sub002/internal/screenshot"
	"github.com/bzinkan/SchoolPilot-sub002/internal/signaling"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	pkgdatabase "github.com/bzinkan/SchoolPilot-sub002/pkg/database"
)

// cleanupInterval is how often idle rate limiter state is dropped
const cleanupInterval = 5 * time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	dbManager   *database.Manager
	redisClient redis.UniversalClient
	transport   pubsub.PubSub
	registry    *websocket.Registry
	messageHub  *hub.Hub
	directory   *directory.Manager
	dispatcher  *command.Dispatcher
	localShots  *screenshot.MemoryCache
	relay       *signaling.Relay
	inbound     *router.Router
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Directory → Registry → Hub → Ingestor/Dispatcher/Screenshots/Relay → Router → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logging.OrDiscard(logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, cfg.Service.Name)

	// STEP 1: Database (migrations run inside NewManager)
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		WriteTimeout:    cfg.Database.Timeout,
	}
	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 2: Directory cache warmed from the store
	dir := directory.NewManager(dbManager, logger)
	loadCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()
	if err := dir.LoadDevices(loadCtx); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	// STEP 3: Registry and hub, bridged through redis when enabled
	registry := websocket.NewRegistry(logger, m)

	var redisClient redis.UniversalClient
	var transport pubsub.PubSub
	var shots screenshot.Cache
	localShots := screenshot.NewMemoryCache(cfg.Screenshot.TTL, cfg.Screenshot.SweepInterval)
	shots = localShots
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.OperationLimit,
			WriteTimeout: cfg.Redis.OperationLimit,
		})
		transport = pubsub.NewRedisPubSub(redisClient, cfg.Hub.QueueSize, logger)
		shots = screenshot.NewFallbackCache(
			screenshot.NewRedisCache(redisClient, cfg.Redis.KeyPrefix, cfg.Screenshot.TTL),
			localShots, logger, m)
	}

	messageHub := hub.New(registry, transport, hub.Config{
		QueueSize:         cfg.Hub.QueueSize,
		PublishTimeout:    cfg.Hub.PublishTimeout,
		ReconcileInterval: cfg.Hub.ReconcileInterval,
		ChannelPrefix:     cfg.Redis.ChannelPrefix,
	}, logger, m)

	// STEP 4: Domain components
	thresholds := presence.Thresholds{IdleAfter: cfg.Presence.IdleAfter, OfflineAfter: cfg.Presence.OfflineAfter}
	ingestor := heartbeat.NewIngestor(dir, dbManager, registry, messageHub, thresholds, logger, m)
	dispatcher := command.NewDispatcher(registry, dir, command.Config{
		RateLimit:       cfg.Command.RateLimit,
		RateWindow:      cfg.Command.RateWindow,
		MaxPayloadBytes: cfg.Command.MaxPayloadBytes,
	}, logger, m)
	shotService := screenshot.NewService(shots, dir, messageHub, cfg.Screenshot.MaxBytes, logger, m)
	relay := signaling.NewRelay(registry, signaling.Config{
		ICEServers:         iceServers(cfg.Signaling.ICEServers),
		NegotiationTimeout: cfg.Signaling.NegotiationTimeout,
		ReapInterval:       cfg.Signaling.ReapInterval,
	}, logger, m)

	// STEP 5: Socket routing and HTTP surface
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.RequiredLicense, m)
	inbound := router.NewRouter(registry, ingestor, relay, cfg.WebSocket.MessageLimit, logger, m)
	sockets := websocket.NewHandler(registry, verifier, inbound, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		Connection: websocket.Options{
			BufferSize:     cfg.WebSocket.BufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			EnqueueTimeout: websocket.DefaultOptions().EnqueueTimeout,
		},
	}, logger)

	apiServer := api.NewServer(api.Dependencies{
		Verifier:   verifier,
		Ingestor:   ingestor,
		Screenshot: shotService,
		Dispatcher: dispatcher,
		Relay:      relay,
		Sockets:    sockets,
		Registry:   registry,
		Database:   dbManager,
		Gatherer:   promRegistry,
		InstanceID: messageHub.InstanceID(),
	}, api.Config{
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		DeviceRateLimit: cfg.HTTP.DeviceRateLimit,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
	}, logger, m)

	// TECHNICAL DISCOVERY: No WriteTimeout on the server; it would kill hijacked
	// sockets. Each socket write carries its own deadline instead.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       2 * cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger.With("component", "app"),
		metrics:     m,
		dbManager:   dbManager,
		redisClient: redisClient,
		transport:   transport,
		registry:    registry,
		messageHub:  messageHub,
		directory:   dir,
		dispatcher:  dispatcher,
		localShots:  localShots,
		relay:       relay,
		inbound:     inbound,
		apiServer:   apiServer,
		httpServer:  httpServer,
		ready:       make(chan struct{}),
	}, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts everything down
// ARCHITECTURAL DISCOVERY: One errgroup owns every long-running goroutine; the first
// failure cancels the rest and shutdown runs in reverse dependency order
func (app *Application) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// STEP 1: Hub first so broadcasts have somewhere to go
	if err := app.messageHub.Start(gctx); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Background janitors
	g.Go(func() error {
		app.localShots.Run(gctx)
		return nil
	})
	g.Go(func() error {
		app.relay.Run(gctx)
		return nil
	})
	g.Go(func() error {
		app.cleanupLoop(gctx)
		return nil
	})

	// STEP 3: Accept connections
	g.Go(func() error {
		app.logger.Info("listening", "addr", listener.Addr().String())
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	close(app.ready)

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	return g.Wait()
}

// shutdown stops components in reverse dependency order: HTTP → sockets → hub → stores
func (app *Application) shutdown() error {
	app.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.registry.CloseAll()
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if app.transport != nil {
		if err := app.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub shutdown: %w", err))
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis shutdown: %w", err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.inbound.Cleanup()
			app.dispatcher.Cleanup()
		}
	}
}

// Ready is closed once Run has started accepting connections
func (app *Application) Ready() <-chan struct{} {
	return app.ready
}

// Addr returns the bound listen address, or the configured one before Run
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process tests
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Directory exposes the device directory for provisioning
func (app *Application) Directory() *directory.Manager {
	return app.directory
}

func iceServers(in []config.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, server := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return out
}
