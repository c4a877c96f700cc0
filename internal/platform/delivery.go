package platform

import (
	"context"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

// Delivery is the manager running a whole journey: upload a document, then analyse it.
type Delivery struct {
	base
	content  *Content
	insights *Insights
}

func newDeliveryManager(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		content, err := dependency[*Content](deps, ContentOrchestrator)
		if err != nil {
			return nil, err
		}
		insights, err := dependency[*Insights](deps, InsightsOrchestrator)
		if err != nil {
			return nil, err
		}
		return &Delivery{
			base:     base{desc: desc, operations: []string{"run"}},
			content:  content,
			insights: insights,
		}, nil
	}
}

func (d *Delivery) Initialize(context.Context) error { return nil }

func (d *Delivery) HandleRequest(_ context.Context, req router.HandlerRequest) (map[string]any, error) {
	if req.Operation != "run" && req.Operation != "" {
		return nil, unknownOperation(d.desc.Name, req.Operation)
	}
	tenant := tenantOf(req)
	doc, err := d.content.Upload(tenant, stringParam(req.Params, "name"), stringParam(req.Params, "format"), stringParam(req.Params, "text"))
	if err != nil {
		return nil, err
	}
	analysis, err := d.insights.Analyze(tenant, "", doc.ID, intParam(req.Params, "top", defaultTop))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId": doc.ID,
		"parsed":     doc.Parsed,
		"analysis":   analysis,
	}, nil
}
