package commsutil

import (
	"strings"
)

// Default COMMS subjects.
const (
	SubjectRoute       = "mesh.route"
	SubjectChangeEvent = "mesh.changed"
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// SafeToken makes s usable as a single subject token.
func SafeToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// BuildChangeSubject builds the granular change event subject for a component,
// e.g. "mesh.changed.InsightsOrchestrator".
func BuildChangeSubject(base, component string) string {
	if base == "" {
		base = SubjectChangeEvent
	}
	return base + "." + SafeToken(component)
}
