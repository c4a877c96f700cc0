// Package events defines mesh change events and the publishers that deliver them.
package events

import "time"

// Kind classifies a mesh change.
type Kind string

const (
	KindRegistered   Kind = "registered"
	KindDeregistered Kind = "deregistered"
	KindHealth       Kind = "health"
	KindMode         Kind = "mode"
)

// MeshChangedEvent is emitted when a registration or the discovery mode changes.
type MeshChangedEvent struct {
	Kind         Kind     `json:"kind"`
	Component    string   `json:"component,omitempty"`
	InstanceID   string   `json:"instanceId,omitempty"`
	Tier         string   `json:"tier,omitempty"`
	Health       string   `json:"health,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Mode is set on KindMode events: "connected", "degraded" or "local_only".
	Mode      string `json:"mode,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Stamp fills Timestamp with the current UTC time when it is empty.
func (e *MeshChangedEvent) Stamp() *MeshChangedEvent {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return e
}
