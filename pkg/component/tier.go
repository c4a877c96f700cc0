// Package component defines the descriptor model shared by every layer of the mesh:
// tiers, startup policies, health, capability manifests and the registration record.
package component

import (
	"fmt"
	"strings"
)

// Tier is a component's position in the construction hierarchy.
type Tier string

const (
	TierFoundation   Tier = "foundation"
	TierGateway      Tier = "gateway"
	TierManager      Tier = "manager"
	TierOrchestrator Tier = "orchestrator"
	TierLeafService  Tier = "leaf_service"
	TierAgent        Tier = "agent"
)

// Tiers lists every tier in bootstrap order.
var Tiers = []Tier{TierFoundation, TierGateway, TierLeafService, TierAgent, TierOrchestrator, TierManager}

// Rank orders tiers for dependency checks. A component may only depend on components
// whose rank is lower than or equal to its own. Leaf services and agents share a rank;
// orchestrators sit above them and managers above orchestrators, so the lazy chain
// manager -> orchestrator -> leaf only ever points downwards. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierFoundation:
		return 0
	case TierGateway:
		return 1
	case TierLeafService, TierAgent:
		return 2
	case TierOrchestrator:
		return 3
	case TierManager:
		return 4
	default:
		return -1
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// CanDependOn reports whether a component at tier t may declare a dependency on dep.
func (t Tier) CanDependOn(dep Tier) bool {
	if !t.Valid() || !dep.Valid() {
		return false
	}
	return dep.Rank() <= t.Rank()
}

func (t Tier) String() string {
	return string(t)
}

// ParseTier parses a tier name case-insensitively. "leafservice" and "leaf-service"
// are accepted as spellings of TierLeafService.
func ParseTier(s string) (Tier, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	if norm == "leafservice" {
		norm = string(TierLeafService)
	}
	t := Tier(norm)
	if !t.Valid() {
		return "", fmt.Errorf("%s - unknown tier %q", logPrefix, s)
	}
	return t, nil
}

// StartupPolicy decides when a component is constructed.
type StartupPolicy string

const (
	// PolicyEager components are built by Bootstrap; failure is fatal.
	PolicyEager StartupPolicy = "eager"
	// PolicyLazy components are built on first access and cached.
	PolicyLazy StartupPolicy = "lazy"
	// PolicyEphemeral components are built per request and discarded.
	PolicyEphemeral StartupPolicy = "ephemeral"
)

// Valid reports whether p is a known policy.
func (p StartupPolicy) Valid() bool {
	switch p {
	case PolicyEager, PolicyLazy, PolicyEphemeral:
		return true
	}
	return false
}

func (p StartupPolicy) String() string {
	return string(p)
}

// ParseStartupPolicy parses a policy name case-insensitively.
func ParseStartupPolicy(s string) (StartupPolicy, error) {
	p := StartupPolicy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%s - unknown startup policy %q", logPrefix, s)
	}
	return p, nil
}

// Health is the health of a running registration.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// Valid reports whether h is a known health value.
func (h Health) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthUnreachable:
		return true
	}
	return false
}

// Worse returns the worse of h and other.
func (h Health) Worse(other Health) Health {
	if healthRank(other) > healthRank(h) {
		return other
	}
	return h
}

func healthRank(h Health) int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}
