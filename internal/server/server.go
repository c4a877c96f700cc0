// Package server orchestrates all components: NATS client, discovery backend, registry,
// curator, orchestrator, router, dispatcher and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-mesh/internal/config"
	"github.com/morezero/component-mesh/internal/platform"
	"github.com/morezero/component-mesh/pkg/bootstrap"
	"github.com/morezero/component-mesh/pkg/commsutil"
	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/dispatcher"
	"github.com/morezero/component-mesh/pkg/events"
	"github.com/morezero/component-mesh/pkg/metrics"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/registry"
	"github.com/morezero/component-mesh/pkg/router"
)

const logPrefix = "server:server"

// Server is the meshd process: one registry, one orchestrator and the transports in front
// of the router.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	reg        *registry.Registry
	cur        *curator.Curator
	orch       *orchestrator.Orchestrator
	router     *router.Router
	metrics    *metrics.Metrics
	manifest   *bootstrap.Manifest
	subs       []*comms.Subscription
	ready      atomic.Bool
	// processSubject is this process's own route subject, advertised in registrations.
	processSubject string
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting meshd (backend=%s)", logPrefix, cfg.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Addr: cfg.Addr(), Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, cfg.Addr()))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - meshd is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConstructionTimeout)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// New wires every component and bootstraps the eager tiers. ctx bounds the startup and
// is the parent of the transport subscriptions.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			s.Shutdown(context.Background())
		}
	}()

	// Step 1: Load route manifest
	manifest, err := bootstrap.LoadManifest(cfg.ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}
	routes, err := manifest.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("%s - invalid manifest: %w", logPrefix, err)
	}
	s.manifest = manifest

	// Step 2: Connect to NATS
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))
	}

	// Step 3: Discovery backend and registry
	backend, err := s.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	var publisher events.EventPublisher = &events.NoOpPublisher{}
	var commsConnected func() bool
	if s.nc != nil {
		changeSubject := cfg.ChangeEventSubject
		if changeSubject == "" {
			changeSubject = manifest.ChangeEvents.Global
		}
		publisher = events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{GlobalChangeSubject: changeSubject})
		commsConnected = s.nc.IsConnected
	}
	s.reg = registry.NewRegistry(registry.NewRegistryParams{
		Backend:        backend,
		Publisher:      publisher,
		Metrics:        s.metrics,
		Config:         cfg.RegistryConfig(),
		CommsConnected: commsConnected,
	})

	if err := bootstrap.Publish(ctx, s.reg.ConfigStore(), manifest); err != nil {
		slog.Warn(fmt.Sprintf("%s - Could not publish manifest: %v", logPrefix, err))
	}

	// Step 4: Curator, orchestrator, the mesh itself and the platform components
	s.cur = curator.NewCurator(curator.NewCuratorParams{Discovery: s.reg.GetDiscoveryService()})
	s.orch = orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{
		Curator: s.cur,
		Metrics: s.metrics,
		Config:  cfg.OrchestratorConfig(),
	})

	routeSubject := cfg.RouteSubject
	if routeSubject == "" {
		routeSubject = commsutil.SubjectRoute
	}
	var endpoints []string
	if s.nc != nil {
		s.processSubject = routeSubject + "." + commsutil.SafeToken(cfg.COMMSName) + "." + uuid.NewString()[:8]
		endpoints = append(endpoints, dispatcher.EndpointScheme+s.processSubject)
	}
	mesh := registry.NewComponent(s.reg, endpoints...)
	err = s.orch.Define(mesh.Descriptor(), func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		return mesh, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to define %s: %w", logPrefix, registry.ComponentName, err)
	}
	if err := platform.Define(s.orch, endpoints...); err != nil {
		return nil, fmt.Errorf("%s - failed to define components: %w", logPrefix, err)
	}

	// Step 5: Router
	var remote router.RemoteInvoker
	if s.nc != nil {
		remote = dispatcher.NewClient(s.nc, routeSubject, cfg.RouteTimeout)
	}
	s.router = router.NewRouter(router.NewRouterParams{
		Curator: s.cur,
		Routes:  routes,
		Remote:  remote,
		Metrics: s.metrics,
		Timeout: cfg.RouteTimeout,
	})

	// Step 6: Bootstrap eager tiers; failure is fatal
	if err := s.orch.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("%s - bootstrap failed: %w", logPrefix, err)
	}

	// Step 7: Serve route requests over NATS
	if s.nc != nil {
		disp := dispatcher.NewDispatcher(s.router)
		for _, p := range []dispatcher.SubscribeParams{
			{Conn: s.nc, Subject: routeSubject, Queue: cfg.COMMSName, RequestTimeout: cfg.RouteTimeout},
			{Conn: s.nc, Subject: s.processSubject, RequestTimeout: cfg.RouteTimeout},
		} {
			sub, err := disp.Subscribe(ctx, p)
			if err != nil {
				return nil, err
			}
			s.subs = append(s.subs, sub)
		}
	}

	s.ready.Store(true)
	ok = true
	return s, nil
}

// Shutdown stops the transports, shuts the components down in reverse construction order
// and releases the backend. It is safe on a partially built Server.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - component shutdown: %v", logPrefix, err))
		}
	}
	if s.reg != nil {
		if err := s.reg.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - registry close: %v", logPrefix, err))
		}
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
