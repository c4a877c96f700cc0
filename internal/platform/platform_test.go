package platform_test

import (
	"context"
	"testing"
	"time"

	"github.com/morezero/component-mesh/internal/platform"
	"github.com/morezero/component-mesh/pkg/bootstrap"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/discovery/memory"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

const testPrefix = "platform:platform_test"

type env struct {
	orch   *orchestrator.Orchestrator
	router *router.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	svc := discovery.NewService(discovery.ServiceParams{Backend: memory.New(), Config: discovery.Config{}})
	cur := curator.NewCurator(curator.NewCuratorParams{Discovery: svc})
	orch := orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{
		Curator: cur,
		Config:  orchestrator.Config{ConstructionTimeout: 5 * time.Second},
	})
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background())
		_ = svc.Close()
	})

	if err := platform.Define(orch); err != nil {
		t.Fatalf("%s - Define: %v", testPrefix, err)
	}
	if err := orch.Bootstrap(context.Background()); err != nil {
		t.Fatalf("%s - Bootstrap: %v", testPrefix, err)
	}
	routes, err := bootstrap.DefaultManifest().RouteTable()
	if err != nil {
		t.Fatalf("%s - RouteTable: %v", testPrefix, err)
	}
	return &env{orch: orch, router: router.NewRouter(router.NewRouterParams{Curator: cur, Routes: routes})}
}

func (e *env) route(t *testing.T, tenant, endpoint, method string, params map[string]any) router.RoutedResponse {
	t.Helper()
	return e.router.Route(context.Background(), router.RoutedRequest{
		Endpoint:       endpoint,
		Method:         method,
		Params:         params,
		CallerIdentity: &router.CallerIdentity{UserID: "u1", TenantID: tenant},
	})
}

func (e *env) state(t *testing.T, name string) orchestrator.State {
	t.Helper()
	s, ok := e.orch.State(name)
	if !ok {
		t.Fatalf("%s - %s is not defined", testPrefix, name)
	}
	return s
}

func TestBootstrapBuildsOnlyEagerComponents(t *testing.T) {
	e := newEnv(t)

	for _, name := range []string{platform.PublicWorks, platform.Gateway} {
		if s := e.state(t, name); s != orchestrator.StateRegistered {
			t.Errorf("%s - expected %s registered after bootstrap, got %s", testPrefix, name, s)
		}
	}
	for _, name := range []string{platform.FileParser, platform.DataAnalyzer, platform.ContentOrchestrator, platform.InsightsOrchestrator, platform.DeliveryManager} {
		if s := e.state(t, name); s != orchestrator.StateUnconstructed {
			t.Errorf("%s - expected lazy %s unconstructed after bootstrap, got %s", testPrefix, name, s)
		}
	}
}

func TestDefaultManifestIsServed(t *testing.T) {
	defs := platform.Definitions()
	owners := make(map[string]bool)
	for _, d := range defs {
		owners[d.Descriptor.Name] = true
		for _, c := range d.Descriptor.Capabilities {
			owners["capability:"+c] = true
		}
	}
	for _, r := range bootstrap.DefaultManifest().Routes {
		key := r.Component
		if key == "" {
			key = "capability:" + r.Capability
		}
		if !owners[key] {
			t.Errorf("%s - route %s has no owner among the platform components", testPrefix, r.Endpoint)
		}
	}
}

func TestUploadListAnalyze(t *testing.T) {
	e := newEnv(t)

	resp := e.route(t, "acme", "content/upload", "POST", map[string]any{
		"name":   "notes.md",
		"format": "markdown",
		"text":   "# Title\nthe quick fox\n## Part\nthe lazy dog\n",
	})
	if !resp.Success {
		t.Fatalf("%s - upload failed: %s %s", testPrefix, resp.ErrorKind, resp.Message)
	}
	id, _ := resp.Payload["documentId"].(string)
	if id == "" {
		t.Fatalf("%s - upload returned no documentId: %v", testPrefix, resp.Payload)
	}
	parsed, ok := resp.Payload["parsed"].(*platform.Parsed)
	if !ok || len(parsed.Headings) != 2 || parsed.Lines != 4 {
		t.Errorf("%s - unexpected parse result %+v", testPrefix, resp.Payload["parsed"])
	}
	if s := e.state(t, platform.ContentOrchestrator); s != orchestrator.StateRegistered {
		t.Errorf("%s - expected ContentOrchestrator registered, got %s", testPrefix, s)
	}
	if s := e.state(t, platform.InsightsOrchestrator); s != orchestrator.StateUnconstructed {
		t.Errorf("%s - InsightsOrchestrator must stay unconstructed until used, got %s", testPrefix, s)
	}

	list := e.route(t, "acme", "content/documents", "GET", nil)
	if !list.Success || list.Payload["count"] != 1 {
		t.Errorf("%s - expected one document for acme, got %+v", testPrefix, list)
	}
	other := e.route(t, "globex", "content/documents", "GET", nil)
	if !other.Success || other.Payload["count"] != 0 {
		t.Errorf("%s - expected no documents for globex, got %+v", testPrefix, other)
	}

	analysis := e.route(t, "acme", "insights", "POST", map[string]any{"documentId": id, "top": 1})
	if !analysis.Success {
		t.Fatalf("%s - analyze failed: %s %s", testPrefix, analysis.ErrorKind, analysis.Message)
	}
	a, ok := analysis.Payload["analysis"].(platform.Analysis)
	if !ok {
		t.Fatalf("%s - unexpected analysis payload %T", testPrefix, analysis.Payload["analysis"])
	}
	if len(a.Top) != 1 || a.Top[0].Word != "the" || a.Top[0].Count != 2 {
		t.Errorf("%s - expected top word the x2, got %+v", testPrefix, a.Top)
	}

	// documents are tenant scoped
	hidden := e.route(t, "globex", "analyze", "POST", map[string]any{"documentId": id})
	if hidden.Success || hidden.ErrorKind != router.KindNotFound {
		t.Errorf("%s - expected NotFound for another tenant's document, got %+v", testPrefix, hidden)
	}
}

func TestDeliveryRunConstructsWholeChain(t *testing.T) {
	e := newEnv(t)

	resp := e.route(t, "acme", "delivery/run", "POST", map[string]any{
		"name": "report.txt",
		"text": "alpha beta\nalpha gamma\n",
	})
	if !resp.Success {
		t.Fatalf("%s - delivery failed: %s %s", testPrefix, resp.ErrorKind, resp.Message)
	}
	a, ok := resp.Payload["analysis"].(platform.Analysis)
	if !ok || a.Words != 4 || a.Unique != 3 {
		t.Errorf("%s - unexpected analysis %+v", testPrefix, resp.Payload["analysis"])
	}

	for _, name := range []string{platform.FileParser, platform.DataAnalyzer, platform.ContentOrchestrator, platform.InsightsOrchestrator, platform.DeliveryManager} {
		if s := e.state(t, name); s != orchestrator.StateRegistered {
			t.Errorf("%s - expected %s registered after delivery/run, got %s", testPrefix, name, s)
		}
	}
}

func TestRequestErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name     string
		endpoint string
		method   string
		params   map[string]any
		want     router.ErrorKind
	}{
		{"format outside enum", "content/upload", "POST", map[string]any{"name": "a", "text": "b", "format": "pdf"}, router.KindInvalidRequest},
		{"missing name", "content/upload", "POST", map[string]any{"text": "b"}, router.KindInvalidRequest},
		{"malformed csv", "content/upload", "POST", map[string]any{"name": "a", "text": "a,b\n\"x,y\n", "format": "csv"}, router.KindInvalidRequest},
		{"nothing to analyze", "analyze", "POST", map[string]any{}, router.KindInvalidRequest},
		{"text and document", "analyze", "POST", map[string]any{"text": "a", "documentId": "b"}, router.KindInvalidRequest},
		{"top out of range", "analyze", "POST", map[string]any{"text": "a", "top": 51}, router.KindInvalidRequest},
		{"unknown document", "analyze", "POST", map[string]any{"documentId": "nope"}, router.KindNotFound},
		{"listing with POST", "content/documents", "POST", nil, router.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.route(t, "acme", tt.endpoint, tt.method, tt.params)
			if resp.Success {
				t.Fatalf("%s - expected failure, got %+v", testPrefix, resp.Payload)
			}
			if resp.ErrorKind != tt.want {
				t.Errorf("%s - expected %s, got %s (%s)", testPrefix, tt.want, resp.ErrorKind, resp.Message)
			}
		})
	}
}
