// Package discovery is the technology-neutral discovery layer: the Backend contract that
// concrete registry adapters implement, and the Service that adds validation, caching
// and degraded-mode operation on top of one adapter.
//
// Service is the only type above the adapters; nothing outside this package and the
// adapter packages sees backend-specific types.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
)

var (
	// ErrBackendUnavailable is returned by adapters when the registry technology cannot be
	// reached. Service never propagates it to its callers.
	ErrBackendUnavailable = errors.New("discovery backend unavailable")
	// ErrNotFound is returned when no registration exists for a name or capability.
	ErrNotFound = errors.New("not found")
	// ErrConfigNotFound is returned by GetConfig for a missing key.
	ErrConfigNotFound = errors.New("config key not found")
)

// Unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrBackendUnavailable, err)
}

// IsUnavailable reports whether err means the backend could not be reached. Deadline
// expiry and network errors count as unavailability.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Backend is one concrete registry technology. Implementations must be safe for
// concurrent use and must return errors wrapping ErrBackendUnavailable when the
// technology cannot be reached.
type Backend interface {
	// Register stores a registration. It is idempotent on instanceID: a second call
	// replaces the first. meta is flattened to "key:value" tags.
	Register(ctx context.Context, desc component.Descriptor, instanceID string, endpoints []string, meta map[string]string) (component.Registration, error)
	// Lookup returns every live registration for name; an empty result is not an error.
	Lookup(ctx context.Context, name string) ([]component.Registration, error)
	// Deregister removes an instance. Unknown instance IDs are not an error.
	Deregister(ctx context.Context, instanceID string) error
	// HealthOf returns the best health across the live instances of name, or ErrNotFound.
	HealthOf(ctx context.Context, name string) (component.Health, error)
	List(ctx context.Context) ([]component.Registration, error)
	SetHealth(ctx context.Context, instanceID string, health component.Health) error
	Ping(ctx context.Context) error
	Close() error

	ConfigStore
}

// ConfigStore is the key/value configuration area some registry technologies offer
// next to the catalog.
type ConfigStore interface {
	PutConfig(ctx context.Context, key string, value []byte) error
	GetConfig(ctx context.Context, key string) ([]byte, error)
	DeleteConfig(ctx context.Context, key string) error
}

// NewRegistration builds the record adapters store: well-known tags from the descriptor,
// manifest decoded from meta, and the remaining meta flattened to tags.
func NewRegistration(desc component.Descriptor, instanceID string, endpoints []string, meta map[string]string, now time.Time) component.Registration {
	desc = desc.Normalize()
	if len(endpoints) == 0 {
		endpoints = desc.Endpoints
	}
	manifest := ManifestFromMeta(meta)
	return component.Registration{
		Descriptor:   desc,
		InstanceID:   instanceID,
		Endpoints:    append([]string(nil), endpoints...),
		Health:       component.HealthHealthy,
		Tags:         RegistrationTags(desc, manifest, meta),
		Manifest:     manifest,
		RegisteredAt: now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// BestHealth returns the best health across regs, or ErrNotFound when regs is empty.
func BestHealth(regs []component.Registration) (component.Health, error) {
	if len(regs) == 0 {
		return "", ErrNotFound
	}
	best := component.HealthUnreachable
	for _, r := range regs {
		if healthBetter(r.Health, best) {
			best = r.Health
		}
	}
	return best, nil
}

func healthBetter(a, b component.Health) bool {
	return a.Worse(b) == b && a != b
}
