// Package registry is the façade that owns one discovery backend and the discovery
// service built on it. Callers above it (curator, transports, health endpoints) get
// the technology-neutral discovery.Protocol and never see the backend type.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/discovery/memory"
	"github.com/morezero/component-mesh/pkg/events"
	"github.com/morezero/component-mesh/pkg/metrics"
)

const logPrefix = "registry:registry"

const defaultHealthTimeout = 2 * time.Second

// Config holds registry configuration.
type Config struct {
	Discovery discovery.Config
	// HealthTimeout bounds the backend ping made by Health.
	HealthTimeout time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Discovery:     discovery.DefaultConfig(),
		HealthTimeout: defaultHealthTimeout,
	}
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	// Backend is the concrete registry technology. Nil selects the in-memory backend.
	Backend   discovery.Backend
	Publisher events.EventPublisher
	Metrics   *metrics.Metrics
	Config    Config
	// CommsConnected reports transport connectivity for Health. Optional.
	CommsConnected func() bool
}

// Registry owns the discovery abstraction and its adapter.
type Registry struct {
	backend        discovery.Backend
	service        *discovery.Service
	config         Config
	commsConnected func() bool
}

// NewRegistry creates a Registry and starts its discovery service.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	backend := params.Backend
	if backend == nil {
		slog.Info(fmt.Sprintf("%s - No backend configured, using in-memory registry", logPrefix))
		backend = memory.New()
	}

	svc := discovery.NewService(discovery.ServiceParams{
		Backend:   backend,
		Publisher: params.Publisher,
		Metrics:   params.Metrics,
		Config:    cfg.Discovery,
	})

	return &Registry{
		backend:        backend,
		service:        svc,
		config:         cfg,
		commsConnected: params.CommsConnected,
	}
}

// GetDiscoveryService returns the discovery abstraction.
func (r *Registry) GetDiscoveryService() discovery.Protocol {
	return r.service
}

// ConfigStore exposes the backend's configuration area.
func (r *Registry) ConfigStore() discovery.ConfigStore {
	return r.backend
}

// Close stops the discovery service, which also closes the backend.
func (r *Registry) Close() error {
	return r.service.Close()
}
