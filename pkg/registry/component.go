package registry

import (
	"context"

	"github.com/morezero/component-mesh/pkg/component"
)

// ComponentName is the name the discovery mesh registers itself under.
const ComponentName = "DiscoveryMesh"

// Component presents the registry as an eager Foundation component, so the discovery
// mesh shows up in its own catalog and its health is checked like any other component.
type Component struct {
	reg  *Registry
	desc component.Descriptor
}

// NewComponent wraps r. endpoints are advertised in the registration.
func NewComponent(r *Registry, endpoints ...string) *Component {
	return &Component{
		reg: r,
		desc: component.Descriptor{
			Name:          ComponentName,
			Tier:          component.TierFoundation,
			StartupPolicy: component.PolicyEager,
			Capabilities:  []string{"discovery"},
			Endpoints:     append([]string(nil), endpoints...),
		},
	}
}

func (c *Component) Descriptor() component.Descriptor { return c.desc }

// Initialize is a no-op; the registry is running once NewRegistry returns.
func (c *Component) Initialize(context.Context) error { return nil }

func (c *Component) Manifest() component.CapabilityManifest {
	return component.CapabilityManifest{
		Names:      c.desc.Capabilities,
		Operations: []string{"register", "discover", "deregister", "health", "list"},
	}
}

// HealthCheck maps registry health onto component health. A lost transport only
// degrades the mesh: lookups keep being served from local state.
func (c *Component) HealthCheck(ctx context.Context) component.Health {
	if c.reg.Health(ctx).Status == "healthy" {
		return component.HealthHealthy
	}
	return component.HealthDegraded
}
