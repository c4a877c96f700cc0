package platform

import (
	"context"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

// PlatformGateway fronts read-only views of the foundation.
type PlatformGateway struct {
	base
	store *Store
}

func newGateway(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		store, err := dependency[*Store](deps, PublicWorks)
		if err != nil {
			return nil, err
		}
		return &PlatformGateway{base: base{desc: desc, operations: []string{"list"}}, store: store}, nil
	}
}

func (g *PlatformGateway) Initialize(context.Context) error { return nil }

func (g *PlatformGateway) HandleRequest(_ context.Context, req router.HandlerRequest) (map[string]any, error) {
	switch req.Operation {
	case "list", "":
		docs := g.store.List(tenantOf(req))
		return map[string]any{"documents": docs, "count": len(docs)}, nil
	default:
		return nil, unknownOperation(g.desc.Name, req.Operation)
	}
}
