// Package platform holds the sample components the mesh serves out of the box: one
// component per tier, wired so that the default routes exercise the lazy chain
// manager -> orchestrator -> leaf service -> foundation.
package platform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

const logPrefix = "platform:platform"

// Component names.
const (
	PublicWorks          = "PublicWorksFoundation"
	Gateway              = "PlatformGateway"
	FileParser           = "FileParserService"
	DataAnalyzer         = "DataAnalyzerService"
	ContentOrchestrator  = "ContentOrchestrator"
	InsightsOrchestrator = "InsightsOrchestrator"
	DeliveryManager      = "DeliveryManager"
)

// Version is the version every sample component registers with.
const Version = "1.0.0"

// Definition pairs a descriptor with the factory that builds it.
type Definition struct {
	Descriptor component.Descriptor
	Factory    orchestrator.Factory
}

// builder returns the factory of one sample component given its descriptor.
type builder func(desc component.Descriptor) orchestrator.Factory

// Definitions returns the sample components. endpoints are added to every descriptor so
// that other processes can reach the components, e.g. the dispatcher's nats:// address.
func Definitions(endpoints ...string) []Definition {
	specs := []struct {
		name   string
		tier   component.Tier
		policy component.StartupPolicy
		caps   []string
		deps   []string
		build  builder
	}{
		{PublicWorks, component.TierFoundation, component.PolicyEager, []string{"storage"}, nil, newPublicWorks},
		{Gateway, component.TierGateway, component.PolicyEager, []string{"gateway"}, []string{PublicWorks}, newGateway},
		{FileParser, component.TierLeafService, component.PolicyLazy, []string{"parse"}, []string{PublicWorks}, newFileParser},
		{DataAnalyzer, component.TierLeafService, component.PolicyLazy, []string{"word-stats", "data-quality"}, []string{PublicWorks}, newDataAnalyzer},
		{ContentOrchestrator, component.TierOrchestrator, component.PolicyLazy, []string{"content"}, []string{FileParser, PublicWorks}, newContentOrchestrator},
		{InsightsOrchestrator, component.TierOrchestrator, component.PolicyLazy, []string{"analyze"}, []string{DataAnalyzer, PublicWorks}, newInsightsOrchestrator},
		{DeliveryManager, component.TierManager, component.PolicyLazy, []string{"delivery"}, []string{ContentOrchestrator, InsightsOrchestrator}, newDeliveryManager},
	}

	defs := make([]Definition, 0, len(specs))
	for _, s := range specs {
		desc := component.Descriptor{
			Name:          s.name,
			Tier:          s.tier,
			StartupPolicy: s.policy,
			Dependencies:  s.deps,
			Capabilities:  s.caps,
			Version:       Version,
			Endpoints:     append([]string(nil), endpoints...),
		}
		defs = append(defs, Definition{Descriptor: desc, Factory: s.build(desc)})
	}
	return defs
}

// Define adds every sample component to o.
func Define(o *orchestrator.Orchestrator, endpoints ...string) error {
	for _, def := range Definitions(endpoints...) {
		if err := o.Define(def.Descriptor, def.Factory); err != nil {
			return fmt.Errorf("%s - %w", logPrefix, err)
		}
	}
	return nil
}

// dependency returns the resolved dependency name as T.
func dependency[T any](deps orchestrator.Dependencies, name string) (T, error) {
	var zero T
	inst, ok := deps.Instance(name)
	if !ok {
		return zero, fmt.Errorf("%s - dependency %s is not available in this process", logPrefix, name)
	}
	v, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("%s - dependency %s has unexpected type %T", logPrefix, name, inst)
	}
	return v, nil
}

// base carries the descriptor and manifest shared by every sample component.
type base struct {
	desc       component.Descriptor
	operations []string
}

func (b *base) Descriptor() component.Descriptor { return b.desc }

func (b *base) Manifest() component.CapabilityManifest {
	return component.CapabilityManifest{
		Names:      b.desc.Capabilities,
		Operations: b.operations,
	}
}

func unknownOperation(name, op string) error {
	return router.NewError(router.KindInvalidRequest, fmt.Sprintf("%s does not support operation %q", name, op))
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// intParam reads an integer parameter in any of the shapes the transports decode to.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		return def
	default:
		return def
	}
}

func invalid(format string, args ...any) error {
	return router.NewError(router.KindInvalidRequest, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return router.NewError(router.KindNotFound, fmt.Sprintf(format, args...))
}

func tenantOf(req router.HandlerRequest) string {
	if req.Caller != nil && strings.TrimSpace(req.Caller.TenantID) != "" {
		return req.Caller.TenantID
	}
	return "default"
}
