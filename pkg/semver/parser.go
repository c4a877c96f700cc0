// Package semver parses component references ("name@range") and picks the best
// registered version for a range.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:parser"

// ComponentRef is a parsed component reference.
type ComponentRef struct {
	// Name is the component name (e.g. "InsightsOrchestrator").
	Name string
	// Range is the version range; empty means any version.
	Range string
	Raw   string
}

var (
	componentNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex     = regexp.MustCompile(`^\d+$`)
	exactVersionRegex  = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseComponentRef parses a component reference.
//
// Supported formats:
//   - InsightsOrchestrator            (any version)
//   - InsightsOrchestrator@2          (major only)
//   - InsightsOrchestrator@2.1.0      (exact version)
//   - InsightsOrchestrator@^2.1       (caret range)
//   - InsightsOrchestrator@>=2, <3    (comparison range)
func ParseComponentRef(input string) (*ComponentRef, error) {
	raw := strings.TrimSpace(input)
	name, rangeStr, hasRange := strings.Cut(raw, "@")
	name = strings.TrimSpace(name)
	rangeStr = strings.TrimSpace(rangeStr)

	if !ValidateComponentName(name) {
		return nil, fmt.Errorf("%s - invalid component name in %q", logPrefix, raw)
	}
	if hasRange {
		if rangeStr == "" {
			return nil, fmt.Errorf("%s - empty version range in %q", logPrefix, raw)
		}
		if !IsMajorOnly(rangeStr) && !IsExactVersion(rangeStr) {
			if _, err := masterminds.NewConstraint(rangeStr); err != nil {
				return nil, fmt.Errorf("%s - invalid version range in %q: %w", logPrefix, raw, err)
			}
		}
	}
	return &ComponentRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// String renders the reference in canonical form.
func (r ComponentRef) String() string {
	if r.Range == "" {
		return r.Name
	}
	return r.Name + "@" + r.Range
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange returns the major of a major-only range, or -1.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	major, err := strconv.Atoi(rangeStr)
	if err != nil {
		return -1
	}
	return major
}

// ValidateComponentName reports whether name is a usable component name.
func ValidateComponentName(name string) bool {
	return componentNameRegex.MatchString(name)
}
