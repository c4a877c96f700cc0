// Package memory is an in-process discovery backend for local-only deployments and tests.
// SetAvailable(false) makes every call fail with discovery.ErrBackendUnavailable.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/discovery"
)

// Backend keeps registrations in a map keyed by instance ID.
type Backend struct {
	mu        sync.RWMutex
	regs      map[string]component.Registration
	config    map[string][]byte
	available bool
	ttl       time.Duration
	now       func() time.Time
	calls     map[string]int
}

// Option configures a Backend.
type Option func(*Backend)

// WithTTL expires registrations that have not been re-registered or health-updated
// within ttl.
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.ttl = ttl }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates an available, empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		regs:      make(map[string]component.Registration),
		config:    make(map[string][]byte),
		available: true,
		now:       time.Now,
		calls:     make(map[string]int),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetAvailable toggles simulated reachability.
func (b *Backend) SetAvailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = v
}

// Calls returns how many times op was invoked, reachable or not.
func (b *Backend) Calls(op string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[op]
}

// Len returns the number of stored registrations, expired ones included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.regs)
}

func (b *Backend) enter(ctx context.Context, op string) error {
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return discovery.Unavailable("memory:"+op, err)
	}
	if !b.available {
		return discovery.Unavailable("memory:"+op, fmt.Errorf("simulated outage"))
	}
	return nil
}

func (b *Backend) live(r component.Registration) bool {
	return b.ttl <= 0 || b.now().Sub(r.UpdatedAt) < b.ttl
}

// Register implements discovery.Backend.
func (b *Backend) Register(ctx context.Context, desc component.Descriptor, instanceID string, endpoints []string, meta map[string]string) (component.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "register"); err != nil {
		return component.Registration{}, err
	}
	reg := discovery.NewRegistration(desc, instanceID, endpoints, meta, b.now())
	if prev, ok := b.regs[instanceID]; ok && b.live(prev) {
		reg.RegisteredAt = prev.RegisteredAt
	}
	b.regs[instanceID] = reg
	return reg, nil
}

// Lookup implements discovery.Backend.
func (b *Backend) Lookup(ctx context.Context, name string) ([]component.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "lookup"); err != nil {
		return nil, err
	}
	var out []component.Registration
	for _, r := range b.regs {
		if r.Name() == name && b.live(r) {
			out = append(out, r)
		}
	}
	discovery.SortRegistrations(out)
	return out, nil
}

// Deregister implements discovery.Backend.
func (b *Backend) Deregister(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "deregister"); err != nil {
		return err
	}
	delete(b.regs, instanceID)
	return nil
}

// HealthOf implements discovery.Backend.
func (b *Backend) HealthOf(ctx context.Context, name string) (component.Health, error) {
	regs, err := b.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	return discovery.BestHealth(regs)
}

// List implements discovery.Backend.
func (b *Backend) List(ctx context.Context) ([]component.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "list"); err != nil {
		return nil, err
	}
	out := make([]component.Registration, 0, len(b.regs))
	for _, r := range b.regs {
		if b.live(r) {
			out = append(out, r)
		}
	}
	discovery.SortRegistrations(out)
	return out, nil
}

// SetHealth implements discovery.Backend.
func (b *Backend) SetHealth(ctx context.Context, instanceID string, health component.Health) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "set_health"); err != nil {
		return err
	}
	r, ok := b.regs[instanceID]
	if !ok || !b.live(r) {
		return fmt.Errorf("memory:set_health - %s: %w", instanceID, discovery.ErrNotFound)
	}
	r.Health = health
	r.UpdatedAt = b.now().UTC()
	b.regs[instanceID] = r
	return nil
}

// Ping implements discovery.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enter(ctx, "ping")
}

// Close implements discovery.Backend.
func (b *Backend) Close() error {
	return nil
}

// PutConfig implements discovery.ConfigStore.
func (b *Backend) PutConfig(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "put_config"); err != nil {
		return err
	}
	b.config[key] = append([]byte(nil), value...)
	return nil
}

// GetConfig implements discovery.ConfigStore.
func (b *Backend) GetConfig(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "get_config"); err != nil {
		return nil, err
	}
	v, ok := b.config[key]
	if !ok {
		return nil, fmt.Errorf("memory:get_config - %s: %w", key, discovery.ErrConfigNotFound)
	}
	return append([]byte(nil), v...), nil
}

// DeleteConfig implements discovery.ConfigStore.
func (b *Backend) DeleteConfig(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "delete_config"); err != nil {
		return err
	}
	delete(b.config, key)
	return nil
}

var _ discovery.Backend = (*Backend)(nil)
