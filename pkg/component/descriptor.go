package component

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "component:descriptor"

// DefaultVersion is assigned to descriptors that do not declare a version.
const DefaultVersion = "0.0.0"

var (
	// ErrInvalidDescriptor is returned for descriptors that fail static validation.
	ErrInvalidDescriptor = errors.New("invalid component descriptor")
	// ErrDependencyCycle is returned when dependencies would include the component itself.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrTierViolation is returned when a component depends on a higher tier.
	ErrTierViolation = errors.New("tier ordering violation")
)

// Descriptor is the identity and policy of one constructible unit.
type Descriptor struct {
	Name          string        `json:"name" yaml:"name"`
	Tier          Tier          `json:"tier" yaml:"tier"`
	StartupPolicy StartupPolicy `json:"startupPolicy" yaml:"startupPolicy"`
	Dependencies  []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Version       string        `json:"version,omitempty" yaml:"version,omitempty"`
	// Endpoints are default addresses; empty for purely in-process components.
	Endpoints []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	// ExtraTags is passthrough metadata for tag-only backends. Keys must not collide
	// with the well-known tag kinds.
	ExtraTags map[string]string `json:"extraTags,omitempty" yaml:"extraTags,omitempty"`
}

// Normalize returns a copy with dependencies and capabilities deduplicated (dependency
// order preserved, capabilities sorted) and a default version filled in.
func (d Descriptor) Normalize() Descriptor {
	out := d
	out.Name = strings.TrimSpace(d.Name)
	out.Dependencies = dedupe(d.Dependencies, false)
	out.Capabilities = dedupe(d.Capabilities, true)
	out.Endpoints = dedupe(d.Endpoints, false)
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	if len(d.ExtraTags) > 0 {
		out.ExtraTags = make(map[string]string, len(d.ExtraTags))
		for k, v := range d.ExtraTags {
			out.ExtraTags[k] = v
		}
	}
	return out
}

// Validate checks the descriptor in isolation: name, tier, policy, version and
// self-dependency. Graph-level checks (cycles through other components, tier ordering
// against dependency tiers) live in the dependency package.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%s - name is required: %w", logPrefix, ErrInvalidDescriptor)
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("%s - %s: unknown tier %q: %w", logPrefix, d.Name, d.Tier, ErrInvalidDescriptor)
	}
	if !d.StartupPolicy.Valid() {
		return fmt.Errorf("%s - %s: unknown startup policy %q: %w", logPrefix, d.Name, d.StartupPolicy, ErrInvalidDescriptor)
	}
	if d.Version != "" {
		if _, err := masterminds.StrictNewVersion(d.Version); err != nil {
			return fmt.Errorf("%s - %s: invalid version %q: %w", logPrefix, d.Name, d.Version, ErrInvalidDescriptor)
		}
	}
	for _, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("%s - %s: empty dependency name: %w", logPrefix, d.Name, ErrInvalidDescriptor)
		}
		if dep == d.Name {
			return fmt.Errorf("%s - %s depends on itself: %w", logPrefix, d.Name, ErrDependencyCycle)
		}
	}
	for k := range d.ExtraTags {
		if IsReservedTagKey(k) {
			return fmt.Errorf("%s - %s: extra tag %q collides with a reserved tag: %w", logPrefix, d.Name, k, ErrInvalidDescriptor)
		}
	}
	return nil
}

// HasCapability reports whether the descriptor advertises tag.
func (d Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// DependsOn reports whether name is a direct dependency.
func (d Descriptor) DependsOn(name string) bool {
	for _, dep := range d.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// SameShape reports whether two descriptors describe the same component: equal name,
// tier, policy and dependency list. Capabilities and version may change between
// registrations of the same component.
func (d Descriptor) SameShape(other Descriptor) bool {
	if d.Name != other.Name || d.Tier != other.Tier || d.StartupPolicy != other.StartupPolicy {
		return false
	}
	if len(d.Dependencies) != len(other.Dependencies) {
		return false
	}
	for i := range d.Dependencies {
		if d.Dependencies[i] != other.Dependencies[i] {
			return false
		}
	}
	return true
}

func dedupe(in []string, sorted bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if sorted {
		sort.Strings(out)
	}
	return out
}
