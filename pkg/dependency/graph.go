// Package dependency validates component dependencies: the static graph of declared
// descriptors (cycles, tier ordering) and the runtime check that every dependency has a
// reachable registration before construction.
package dependency

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
)

const logPrefix = "dependency:graph"

// ErrNameConflict is returned when a descriptor reuses a name already declared with a
// different tier, policy or dependency list.
var ErrNameConflict = errors.New("component name already declared")

// Graph is the set of declared descriptors keyed by name. Dependencies may reference
// names that are not declared yet; checks run against whatever is known when a
// descriptor is added, so the descriptor that closes a cycle is the one rejected.
//
// Graph is not safe for concurrent use; owners synchronise.
type Graph struct {
	nodes map[string]component.Descriptor
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]component.Descriptor)}
}

// Get returns the descriptor declared under name.
func (g *Graph) Get(name string) (component.Descriptor, bool) {
	d, ok := g.nodes[name]
	return d, ok
}

// Len returns the number of declared descriptors.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Names returns every declared name, sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dependencies returns a copy of the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	d, ok := g.nodes[name]
	if !ok {
		return nil
	}
	out := make([]string, len(d.Dependencies))
	copy(out, d.Dependencies)
	return out
}

// Dependents returns the sorted names that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	var res []string
	for _, d := range g.nodes {
		if d.DependsOn(name) {
			res = append(res, d.Name)
		}
	}
	sort.Strings(res)
	return res
}

// CheckAdd reports whether desc could be added: it must validate on its own, must not
// conflict with an existing declaration of the same name, must respect the tier rule
// against every known dependency and dependent, and must not close a cycle.
func (g *Graph) CheckAdd(desc component.Descriptor) error {
	desc = desc.Normalize()
	if err := desc.Validate(); err != nil {
		return err
	}
	if existing, ok := g.nodes[desc.Name]; ok && !existing.SameShape(desc) {
		return fmt.Errorf("%s - %s already declared as %s/%s: %w",
			logPrefix, desc.Name, existing.Tier, existing.StartupPolicy, ErrNameConflict)
	}
	for _, dep := range desc.Dependencies {
		target, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if !desc.Tier.CanDependOn(target.Tier) {
			return fmt.Errorf("%s - %s (%s) may not depend on %s (%s): %w",
				logPrefix, desc.Name, desc.Tier, dep, target.Tier, component.ErrTierViolation)
		}
	}
	for _, d := range g.nodes {
		if d.Name == desc.Name || !d.DependsOn(desc.Name) {
			continue
		}
		if !d.Tier.CanDependOn(desc.Tier) {
			return fmt.Errorf("%s - %s (%s) already depends on %s, which cannot be %s: %w",
				logPrefix, d.Name, d.Tier, desc.Name, desc.Tier, component.ErrTierViolation)
		}
	}

	prev, had := g.nodes[desc.Name]
	g.nodes[desc.Name] = desc
	path := g.DetectCycle(desc.Name)
	if had {
		g.nodes[desc.Name] = prev
	} else {
		delete(g.nodes, desc.Name)
	}
	if path != nil {
		return fmt.Errorf("%s - cycle %s: %w", logPrefix, strings.Join(path, " -> "), component.ErrDependencyCycle)
	}
	return nil
}

// Add validates desc with CheckAdd and stores its normalized form.
func (g *Graph) Add(desc component.Descriptor) error {
	if err := g.CheckAdd(desc); err != nil {
		return err
	}
	g.nodes[desc.Name] = desc.Normalize()
	return nil
}

// Remove drops name from the graph.
func (g *Graph) Remove(name string) {
	delete(g.nodes, name)
}

// DetectCycle returns the path of a cycle that starts and ends at name, or nil.
func (g *Graph) DetectCycle(name string) []string {
	visited := make(map[string]bool)
	var path []string
	var walk func(cur string) bool
	walk = func(cur string) bool {
		path = append(path, cur)
		for _, dep := range g.nodes[cur].Dependencies {
			if dep == name {
				path = append(path, dep)
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if walk(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if walk(name) {
		return path
	}
	return nil
}

// Closure returns the transitive declared dependencies of name in construction order
// (dependencies before dependents), excluding name itself. Undeclared names are kept so
// callers can report them as missing.
func (g *Graph) Closure(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	var walk func(cur string)
	walk = func(cur string) {
		for _, dep := range g.nodes[cur].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			walk(dep)
			out = append(out, dep)
		}
	}
	walk(name)
	return out
}

// TopologicalLevels groups names into levels such that every name only depends on names
// in earlier levels. Edges to names outside the given set are ignored. Names inside a
// level are sorted and may be constructed concurrently.
func (g *Graph) TopologicalLevels(names []string) ([][]string, error) {
	inSet := make(map[string]bool, len(names))
	for _, n := range names {
		inSet[n] = true
	}
	indegree := make(map[string]int, len(names))
	for n := range inSet {
		for _, dep := range g.nodes[n].Dependencies {
			if inSet[dep] {
				indegree[n]++
			}
		}
	}

	var levels [][]string
	placed := 0
	done := make(map[string]bool, len(inSet))
	for placed < len(inSet) {
		var level []string
		for n := range inSet {
			if !done[n] && indegree[n] == 0 {
				level = append(level, n)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("%s - cycle among %d components: %w", logPrefix, len(inSet)-placed, component.ErrDependencyCycle)
		}
		sort.Strings(level)
		for _, n := range level {
			done[n] = true
			for _, other := range g.Dependents(n) {
				if inSet[other] && !done[other] {
					indegree[other]--
				}
			}
		}
		placed += len(level)
		levels = append(levels, level)
	}
	return levels, nil
}
