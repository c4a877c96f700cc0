package curator

import (
	"github.com/morezero/component-mesh/pkg/component"
)

// Handle is what discovery hands back to a caller: the chosen registration and, when
// the component lives in this process, the instance itself.
type Handle struct {
	Name         string                 `json:"name"`
	InstanceID   string                 `json:"instanceId"`
	Registration component.Registration `json:"registration"`
	// Instance is nil for components registered by another process.
	Instance component.Identifiable `json:"-"`
	// Degraded is set when the registration may be stale or the component reports
	// degraded health.
	Degraded bool `json:"degraded"`
}

// Local reports whether the handle carries an in-process instance.
func (h Handle) Local() bool {
	return h.Instance != nil
}

// Tool is one tool-style entry point advertised by a component.
type Tool struct {
	Component  string `json:"component"`
	Entrypoint string `json:"entrypoint"`
	InstanceID string `json:"instanceId"`
}
