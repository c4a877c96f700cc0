package dependency

import (
	"fmt"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
)

// Snapshot is a read-only view of current registrations.
type Snapshot interface {
	Registrations(name string) []component.Registration
}

// MapSnapshot is a Snapshot over a plain map.
type MapSnapshot map[string][]component.Registration

// Registrations implements Snapshot.
func (m MapSnapshot) Registrations(name string) []component.Registration {
	return m[name]
}

// Result is the outcome of one validation call.
type Result struct {
	Valid               bool     `json:"valid"`
	MissingDependencies []string `json:"missingDependencies,omitempty"`
	Message             string   `json:"message"`
}

// Checker validates that a descriptor's dependencies are registered and reachable.
// It has no side effects.
type Checker struct{}

// NewChecker creates a Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Validate collects every dependency of desc that has no registration with health other
// than unreachable.
func (c *Checker) Validate(desc component.Descriptor, snap Snapshot) Result {
	var missing []string
	for _, dep := range desc.Dependencies {
		if !anyReachable(snap, dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) == 0 {
		return Result{Valid: true, Message: fmt.Sprintf("%s: all %d dependencies available", desc.Name, len(desc.Dependencies))}
	}
	return Result{
		Valid:               false,
		MissingDependencies: missing,
		Message:             fmt.Sprintf("%s: missing dependencies: %s", desc.Name, strings.Join(missing, ", ")),
	}
}

func anyReachable(snap Snapshot, name string) bool {
	if snap == nil {
		return false
	}
	for _, reg := range snap.Registrations(name) {
		if reg.Reachable() {
			return true
		}
	}
	return false
}
