package curator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the name or capability is unknown to the mesh.
	ErrNotFound = errors.New("component not found")
	// ErrConstructionFailed means lazy construction was attempted and failed.
	ErrConstructionFailed = errors.New("construction failed")
	// ErrBackendDegraded is informational: the handle returned with it may be stale.
	ErrBackendDegraded = errors.New("discovery backend degraded")
)

// ConstructionError carries the details of a failed construction. It matches
// ErrConstructionFailed with errors.Is.
type ConstructionError struct {
	Component string
	// Missing lists dependencies that had no reachable registration.
	Missing []string
	Err     error
}

func (e *ConstructionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", ErrConstructionFailed, e.Component)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing dependencies: %s)", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConstructionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConstructionFailed}
	}
	return []error{ErrConstructionFailed, e.Err}
}

// MissingDependencies returns the missing dependency list carried by err, if any.
func MissingDependencies(err error) []string {
	var ce *ConstructionError
	if errors.As(err, &ce) {
		return ce.Missing
	}
	return nil
}

func asConstructionError(name string, err error) error {
	var ce *ConstructionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConstructionError{Component: name, Err: err}
}
