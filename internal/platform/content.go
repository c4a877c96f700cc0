package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

const contentLogPrefix = "platform:content"

// Content orchestrates uploads: parse with the Parser, then store in PublicWorks.
type Content struct {
	base
	parser *Parser
	store  *Store
}

func newContentOrchestrator(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		parser, err := dependency[*Parser](deps, FileParser)
		if err != nil {
			return nil, err
		}
		store, err := dependency[*Store](deps, PublicWorks)
		if err != nil {
			return nil, err
		}
		return &Content{
			base:   base{desc: desc, operations: []string{"upload", "get"}},
			parser: parser,
			store:  store,
		}, nil
	}
}

func (c *Content) Initialize(context.Context) error { return nil }

// Upload parses and stores a document for tenant.
func (c *Content) Upload(tenant, name, format, text string) (Document, error) {
	parsed, err := c.parser.Parse(format, text)
	if err != nil {
		return Document{}, err
	}
	doc, err := c.store.Put(Document{
		Tenant: tenant,
		Name:   name,
		Format: parsed.Format,
		Text:   text,
		Parsed: parsed,
	})
	if err != nil {
		return Document{}, fmt.Errorf("%s - upload %s: %w", contentLogPrefix, name, err)
	}
	slog.Debug(fmt.Sprintf("%s - Stored %s as %s for tenant %s", contentLogPrefix, name, doc.ID, tenant))
	return doc, nil
}

func (c *Content) HandleRequest(_ context.Context, req router.HandlerRequest) (map[string]any, error) {
	tenant := tenantOf(req)
	switch req.Operation {
	case "upload":
		doc, err := c.Upload(tenant, stringParam(req.Params, "name"), stringParam(req.Params, "format"), stringParam(req.Params, "text"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"documentId": doc.ID, "name": doc.Name, "parsed": doc.Parsed}, nil
	case "get":
		id := stringParam(req.Params, "documentId")
		doc, ok := c.store.Get(tenant, id)
		if !ok {
			return nil, notFound("document %s not found", id)
		}
		return map[string]any{"document": doc}, nil
	default:
		return nil, unknownOperation(c.desc.Name, req.Operation)
	}
}
