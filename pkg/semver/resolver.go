package semver

import (
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

// Resolve returns the highest version in versions that satisfies rangeStr. With an
// empty range the highest stable version wins, falling back to the highest prerelease.
// Unparseable versions are ignored.
func Resolve(versions []string, rangeStr string) (string, bool) {
	parsed := parseAll(versions)
	if len(parsed) == 0 {
		return "", false
	}
	sortDesc(parsed)

	if rangeStr == "" {
		for _, v := range parsed {
			if v.Prerelease() == "" {
				return v.Original(), true
			}
		}
		return parsed[0].Original(), true
	}

	if IsExactVersion(rangeStr) {
		want, err := masterminds.NewVersion(rangeStr)
		if err != nil {
			return "", false
		}
		for _, v := range parsed {
			if v.Equal(want) {
				return v.Original(), true
			}
		}
		return "", false
	}

	for _, v := range parsed {
		if satisfies(v, rangeStr) {
			return v.Original(), true
		}
	}
	return "", false
}

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	return satisfies(sv, rangeStr)
}

func satisfies(v *masterminds.Version, rangeStr string) bool {
	if rangeStr == "" {
		return true
	}
	if IsMajorOnly(rangeStr) {
		return int(v.Major()) == ExtractMajorFromRange(rangeStr)
	}
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

// UniqueMajors returns the distinct major versions, highest first.
func UniqueMajors(versions []string) []int {
	seen := make(map[int]bool)
	var majors []int
	for _, v := range parseAll(versions) {
		m := int(v.Major())
		if !seen[m] {
			seen[m] = true
			majors = append(majors, m)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(majors)))
	return majors
}

func parseAll(versions []string) []*masterminds.Version {
	out := make([]*masterminds.Version, 0, len(versions))
	for _, s := range versions {
		v, err := masterminds.NewVersion(s)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func sortDesc(versions []*masterminds.Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].GreaterThan(versions[j])
	})
}
