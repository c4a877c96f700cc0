package discovery

import (
	"context"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
)

// Protocol is the contract every layer above discovery talks to.
type Protocol interface {
	Register(ctx context.Context, in RegisterInput) (component.Registration, error)
	Discover(ctx context.Context, name string) ([]component.Registration, error)
	DiscoverByCapability(ctx context.Context, tag string) ([]component.Registration, error)
	Deregister(ctx context.Context, instanceID string) error
	HealthOf(ctx context.Context, name string) (component.Health, error)
	ListAll(ctx context.Context) ([]component.Registration, error)
	UpdateHealth(ctx context.Context, instanceID string, health component.Health) error
	// Registrations answers from local state only; it never calls the backend.
	Registrations(name string) []component.Registration
	Status() Status
}

// RegisterInput is one registration request.
type RegisterInput struct {
	Descriptor component.Descriptor
	// InstanceID is generated when empty.
	InstanceID string
	Endpoints  []string
	Manifest   component.CapabilityManifest
}

// Mode is the discovery service's relationship with its backend.
type Mode string

const (
	// ModeConnected: the backend answers.
	ModeConnected Mode = "connected"
	// ModeDegraded: the backend is failing but the grace window has not elapsed.
	ModeDegraded Mode = "degraded"
	// ModeLocalOnly: registrations are tracked in memory only until a reconnect succeeds.
	ModeLocalOnly Mode = "local_only"
)

var allModes = []string{string(ModeConnected), string(ModeDegraded), string(ModeLocalOnly)}

// Status is a point-in-time view of the discovery service.
type Status struct {
	Mode               Mode      `json:"mode"`
	Since              time.Time `json:"since"`
	CacheEntries       int       `json:"cacheEntries"`
	LocalRegistrations int       `json:"localRegistrations"`
	// StaleAlert is set once local-only mode has lasted longer than MaxLocalOnly.
	StaleAlert bool   `json:"staleAlert"`
	LastError  string `json:"lastError,omitempty"`
}
