package platform

import (
	"context"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

const defaultTop = 10

// Insights orchestrates analysis of inline text or stored documents.
type Insights struct {
	base
	analyzer *Analyzer
	store    *Store
}

func newInsightsOrchestrator(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		analyzer, err := dependency[*Analyzer](deps, DataAnalyzer)
		if err != nil {
			return nil, err
		}
		store, err := dependency[*Store](deps, PublicWorks)
		if err != nil {
			return nil, err
		}
		return &Insights{
			base:     base{desc: desc, operations: []string{"analyze"}},
			analyzer: analyzer,
			store:    store,
		}, nil
	}
}

func (i *Insights) Initialize(context.Context) error { return nil }

// Analyze analyses text, or the stored document documentID of tenant when text is empty.
func (i *Insights) Analyze(tenant, text, documentID string, top int) (Analysis, error) {
	if top <= 0 {
		top = defaultTop
	}
	switch {
	case text != "" && documentID != "":
		return Analysis{}, invalid("pass either text or documentId, not both")
	case text != "":
		return i.analyzer.Analyze(text, top), nil
	case documentID != "":
		doc, ok := i.store.Get(tenant, documentID)
		if !ok {
			return Analysis{}, notFound("document %s not found", documentID)
		}
		return i.analyzer.Analyze(doc.Text, top), nil
	default:
		return Analysis{}, invalid("text or documentId is required")
	}
}

func (i *Insights) HandleRequest(_ context.Context, req router.HandlerRequest) (map[string]any, error) {
	switch req.Operation {
	case "analyze", "":
		a, err := i.Analyze(tenantOf(req), stringParam(req.Params, "text"), stringParam(req.Params, "documentId"), intParam(req.Params, "top", defaultTop))
		if err != nil {
			return nil, err
		}
		return map[string]any{"analysis": a}, nil
	default:
		return nil, unknownOperation(i.desc.Name, req.Operation)
	}
}
