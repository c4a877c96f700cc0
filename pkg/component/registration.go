package component

import (
	"time"
)

// Well-known tag kinds. Structured metadata is flattened to "kind:value" tags for
// tag-only backends; ExtraTags may not use these keys.
const (
	TagKindName       = "name"
	TagKindTier       = "tier"
	TagKindPolicy     = "policy"
	TagKindVersion    = "version"
	TagKindCapability = "capability"
	TagKindOperation  = "operation"
	TagKindTool       = "tool"
	TagKindDependency = "dependency"
)

var reservedTagKeys = map[string]bool{
	TagKindName:       true,
	TagKindTier:       true,
	TagKindPolicy:     true,
	TagKindVersion:    true,
	TagKindCapability: true,
	TagKindOperation:  true,
	TagKindTool:       true,
	TagKindDependency: true,
}

// IsReservedTagKey reports whether key is one of the well-known tag kinds.
func IsReservedTagKey(key string) bool {
	return reservedTagKeys[key]
}

// CapabilityManifest is what a component advertises once initialized: capability names,
// SOA-style operations and tool-style entry points.
type CapabilityManifest struct {
	Names           []string          `json:"names"`
	Operations      []string          `json:"operations"`
	ToolEntrypoints []string          `json:"tool_entrypoints"`
	ExtraTags       map[string]string `json:"extraTags,omitempty"`
}

// Empty reports whether the manifest advertises nothing.
func (m CapabilityManifest) Empty() bool {
	return len(m.Names) == 0 && len(m.Operations) == 0 && len(m.ToolEntrypoints) == 0
}

// Merge returns the union of m and other; order of m is kept and new entries appended.
func (m CapabilityManifest) Merge(other CapabilityManifest) CapabilityManifest {
	out := CapabilityManifest{
		Names:           dedupe(append(append([]string{}, m.Names...), other.Names...), false),
		Operations:      dedupe(append(append([]string{}, m.Operations...), other.Operations...), false),
		ToolEntrypoints: dedupe(append(append([]string{}, m.ToolEntrypoints...), other.ToolEntrypoints...), false),
	}
	if len(m.ExtraTags)+len(other.ExtraTags) > 0 {
		out.ExtraTags = make(map[string]string, len(m.ExtraTags)+len(other.ExtraTags))
		for k, v := range m.ExtraTags {
			out.ExtraTags[k] = v
		}
		for k, v := range other.ExtraTags {
			out.ExtraTags[k] = v
		}
	}
	return out
}

// Registration is the record the discovery mesh holds for a running instance.
type Registration struct {
	Descriptor   Descriptor         `json:"descriptor"`
	InstanceID   string             `json:"instanceId"`
	Endpoints    []string           `json:"endpoints,omitempty"`
	Health       Health             `json:"health"`
	Tags         []string           `json:"tags,omitempty"`
	Manifest     CapabilityManifest `json:"manifest"`
	RegisteredAt time.Time          `json:"registeredAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Name returns the registered component's name.
func (r Registration) Name() string {
	return r.Descriptor.Name
}

// HasCapability reports whether the registration advertises tag either in its
// descriptor or in its manifest names.
func (r Registration) HasCapability(tag string) bool {
	if r.Descriptor.HasCapability(tag) {
		return true
	}
	for _, n := range r.Manifest.Names {
		if n == tag {
			return true
		}
	}
	return false
}

// WithHealth returns a copy with health replaced.
func (r Registration) WithHealth(h Health) Registration {
	out := r
	out.Health = h
	return out
}

// Reachable reports whether the registration can satisfy a dependency.
func (r Registration) Reachable() bool {
	return r.Health != HealthUnreachable
}
