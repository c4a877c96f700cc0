// Package bootstrap loads the route manifest: the endpoint schemas every transport shares,
// endpoint aliases and the change event subjects.
package bootstrap

import (
	"github.com/morezero/component-mesh/pkg/router"
)

// Manifest is the root route manifest, read from JSON or YAML.
type Manifest struct {
	Name        string                  `json:"name" yaml:"name"`
	Version     string                  `json:"version" yaml:"version"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Routes      []router.EndpointSchema `json:"routes" yaml:"routes"`
	// Aliases map an alternative endpoint name to a declared endpoint.
	Aliases      map[string]string   `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	ChangeEvents ChangeEventSubjects `json:"changeEventSubjects" yaml:"changeEventSubjects"`
}

// ChangeEventSubjects defines event subject patterns.
type ChangeEventSubjects struct {
	Global  string `json:"global" yaml:"global"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Route returns the declared route for endpoint, following aliases.
func (m *Manifest) Route(endpoint string) (router.EndpointSchema, bool) {
	endpoint = router.NormalizeEndpoint(endpoint)
	if target, ok := m.Aliases[endpoint]; ok {
		endpoint = router.NormalizeEndpoint(target)
	}
	for _, r := range m.Routes {
		if router.NormalizeEndpoint(r.Endpoint) == endpoint {
			return r, true
		}
	}
	return router.EndpointSchema{}, false
}

// Capabilities returns the distinct capabilities the routes depend on.
func (m *Manifest) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range m.Routes {
		if r.Capability != "" && !seen[r.Capability] {
			seen[r.Capability] = true
			out = append(out, r.Capability)
		}
	}
	return out
}
