package orchestrator

import (
	"github.com/morezero/component-mesh/pkg/component"
)

// State is a component's position in its construction lifecycle.
type State string

const (
	StateUnconstructed State = "unconstructed"
	StateValidating    State = "validating"
	StateConstructing  State = "constructing"
	StateInitializing  State = "initializing"
	StateRegistered    State = "registered"
	StateDegraded      State = "degraded"
	StateFailed        State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateUnconstructed,
	StateValidating,
	StateConstructing,
	StateInitializing,
	StateRegistered,
	StateDegraded,
	StateFailed,
}

var transitions = map[State][]State{
	StateUnconstructed: {StateValidating},
	StateValidating:    {StateConstructing, StateFailed},
	StateConstructing:  {StateInitializing, StateFailed},
	StateInitializing:  {StateRegistered, StateDegraded, StateFailed},
	StateRegistered:    {StateDegraded, StateFailed, StateUnconstructed},
	StateDegraded:      {StateRegistered, StateFailed, StateUnconstructed},
	StateFailed:        {StateValidating, StateUnconstructed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Live reports whether a component in state s has a usable instance.
func (s State) Live() bool {
	return s == StateRegistered || s == StateDegraded
}

// Busy reports whether a construction attempt is in progress.
func (s State) Busy() bool {
	return s == StateValidating || s == StateConstructing || s == StateInitializing
}

// ComponentStatus is a point-in-time view of one catalog entry.
type ComponentStatus struct {
	Name          string                  `json:"name"`
	Tier          component.Tier          `json:"tier"`
	StartupPolicy component.StartupPolicy `json:"startupPolicy"`
	State         State                   `json:"state"`
	Health        component.Health        `json:"health,omitempty"`
	InstanceID    string                  `json:"instanceId,omitempty"`
	Constructions int                     `json:"constructions"`
	LastError     string                  `json:"lastError,omitempty"`
}
