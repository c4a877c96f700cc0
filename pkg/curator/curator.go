// Package curator is the capability-aware façade every component uses to register
// itself and find collaborators. It adds manifests, capability lookup, version
// selection and lazy construction on top of the discovery protocol.
package curator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/dependency"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/semver"
)

const logPrefix = "curator:curator"

// Loader constructs components on demand. The orchestrator implements it.
type Loader interface {
	// Definition returns the catalog descriptor for name.
	Definition(name string) (component.Descriptor, bool)
	Definitions() []component.Descriptor
	// Load constructs, initializes and registers name (and its lazy dependencies).
	Load(ctx context.Context, name string) error
}

// Recoverer is implemented by loaders that can rebuild an eager component after it
// failed at runtime.
type Recoverer interface {
	Recoverable(name string) bool
}

// EphemeralRunner is implemented by loaders that build ephemeral components per call.
type EphemeralRunner interface {
	RunEphemeral(ctx context.Context, name string, fn func(ctx context.Context, h Handle) error) error
}

// onDemand reports whether a missing registration of def may be built by loader.
func onDemand(loader Loader, def component.Descriptor) bool {
	switch def.StartupPolicy {
	case component.PolicyLazy:
		return true
	case component.PolicyEager:
		r, ok := loader.(Recoverer)
		return ok && r.Recoverable(def.Name)
	default:
		return false
	}
}

// NewCuratorParams holds parameters for NewCurator.
type NewCuratorParams struct {
	Discovery discovery.Protocol
	// Loader is optional; without it lazy components are never constructed.
	Loader Loader
}

type localComponent struct {
	instance   component.Identifiable
	instanceID string
	manifest   component.CapabilityManifest
}

// Curator brokers registration and discovery for the components of one process.
type Curator struct {
	discovery discovery.Protocol

	mu     sync.RWMutex
	loader Loader
	local  map[string]*localComponent
}

// NewCurator creates a Curator.
func NewCurator(params NewCuratorParams) *Curator {
	return &Curator{
		discovery: params.Discovery,
		loader:    params.Loader,
		local:     make(map[string]*localComponent),
	}
}

// SetLoader installs the loader used for lazy construction.
func (c *Curator) SetLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = l
}

func (c *Curator) getLoader() Loader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loader
}

// RegisterComponent registers an in-process instance. The instance's own manifest (when
// it is Discoverable) is merged with manifest. Registering the same name again from
// this process keeps its instance ID.
func (c *Curator) RegisterComponent(ctx context.Context, instance component.Identifiable, manifest component.CapabilityManifest) error {
	if instance == nil {
		return fmt.Errorf("%s - register: nil instance", logPrefix)
	}
	desc := instance.Descriptor().Normalize()
	if d, ok := instance.(component.Discoverable); ok {
		manifest = d.Manifest().Merge(manifest)
	}
	endpoints := desc.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"inproc://" + desc.Name}
	}

	c.mu.RLock()
	var instanceID string
	if prev, ok := c.local[desc.Name]; ok {
		instanceID = prev.instanceID
	}
	c.mu.RUnlock()

	reg, err := c.discovery.Register(ctx, discovery.RegisterInput{
		Descriptor: desc,
		InstanceID: instanceID,
		Endpoints:  endpoints,
		Manifest:   manifest,
	})
	if err != nil {
		return fmt.Errorf("%s - register %s: %w", logPrefix, desc.Name, err)
	}

	c.mu.Lock()
	c.local[desc.Name] = &localComponent{instance: instance, instanceID: reg.InstanceID, manifest: manifest}
	c.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Registered %s tier=%s instance=%s health=%s operations=%d tools=%d",
		logPrefix, desc.Name, desc.Tier, reg.InstanceID, reg.Health, len(manifest.Operations), len(manifest.ToolEntrypoints)))
	return nil
}

// Deregister removes a component registered from this process.
func (c *Curator) Deregister(ctx context.Context, name string) error {
	c.mu.Lock()
	lc, ok := c.local[name]
	delete(c.local, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - deregister %s: %w", logPrefix, name, ErrNotFound)
	}
	if err := c.discovery.Deregister(ctx, lc.instanceID); err != nil {
		return fmt.Errorf("%s - deregister %s: %w", logPrefix, name, err)
	}
	slog.Info(fmt.Sprintf("%s - Deregistered %s (%s)", logPrefix, name, lc.instanceID))
	return nil
}

// RegisterEphemeral registers a short-lived instance under a fresh instance ID. The
// instance does not become this process's instance of record for its name; release it
// with DeregisterInstance.
func (c *Curator) RegisterEphemeral(ctx context.Context, instance component.Identifiable, manifest component.CapabilityManifest) (Handle, error) {
	desc := instance.Descriptor().Normalize()
	if d, ok := instance.(component.Discoverable); ok {
		manifest = d.Manifest().Merge(manifest)
	}
	reg, err := c.discovery.Register(ctx, discovery.RegisterInput{
		Descriptor: desc,
		Endpoints:  []string{"inproc://" + desc.Name},
		Manifest:   manifest,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%s - register ephemeral %s: %w", logPrefix, desc.Name, err)
	}
	return Handle{
		Name:         desc.Name,
		InstanceID:   reg.InstanceID,
		Registration: reg,
		Instance:     instance,
		Degraded:     reg.Health == component.HealthDegraded,
	}, nil
}

// DeregisterInstance removes one instance by ID.
func (c *Curator) DeregisterInstance(ctx context.Context, instanceID string) error {
	if err := c.discovery.Deregister(ctx, instanceID); err != nil {
		return fmt.Errorf("%s - deregister instance %s: %w", logPrefix, instanceID, err)
	}
	return nil
}

// UpdateHealth records a health change for a component registered from this process.
func (c *Curator) UpdateHealth(ctx context.Context, name string, health component.Health) error {
	id, ok := c.InstanceID(name)
	if !ok {
		return fmt.Errorf("%s - update health %s: %w", logPrefix, name, ErrNotFound)
	}
	if err := c.discovery.UpdateHealth(ctx, id, health); err != nil {
		return fmt.Errorf("%s - update health %s: %w", logPrefix, name, err)
	}
	return nil
}

// Registration returns the current registration of this process's instance of name,
// answered from discovery's local state.
func (c *Curator) Registration(name string) (component.Registration, bool) {
	id, ok := c.InstanceID(name)
	if !ok {
		return component.Registration{}, false
	}
	for _, r := range c.discovery.Registrations(name) {
		if r.InstanceID == id {
			return r, true
		}
	}
	return component.Registration{}, false
}

// Discover returns a handle for name. When nothing reachable is registered and the
// loader knows name as a lazy component, or as an eager one it can recover, it is
// constructed first. A non-nil handle is returned
// together with ErrBackendDegraded when discovery is running without its backend.
func (c *Curator) Discover(ctx context.Context, name string) (Handle, error) {
	h, err := c.lookup(ctx, name)
	if err == nil || errors.Is(err, ErrBackendDegraded) || !errors.Is(err, ErrNotFound) {
		return h, err
	}

	loader := c.getLoader()
	if loader == nil {
		return Handle{}, err
	}
	def, ok := loader.Definition(name)
	if !ok || !onDemand(loader, def) {
		return Handle{}, err
	}

	slog.Debug(fmt.Sprintf("%s - %s not registered, constructing on demand", logPrefix, name))
	if lerr := loader.Load(ctx, name); lerr != nil {
		return Handle{}, fmt.Errorf("%s - discover %s: %w", logPrefix, name, asConstructionError(name, lerr))
	}
	return c.lookup(ctx, name)
}

// DiscoverByCapability returns a handle per component advertising tag, constructing
// lazy components whose descriptors declare it.
func (c *Curator) DiscoverByCapability(ctx context.Context, tag string) ([]Handle, error) {
	regs, err := c.discovery.DiscoverByCapability(ctx, tag)
	if err != nil && !errors.Is(err, discovery.ErrNotFound) {
		return nil, fmt.Errorf("%s - capability %q: %w", logPrefix, tag, err)
	}

	var order []string
	byName := make(map[string][]component.Registration)
	for _, r := range regs {
		if _, ok := byName[r.Name()]; !ok {
			order = append(order, r.Name())
		}
		byName[r.Name()] = append(byName[r.Name()], r)
	}

	var out []Handle
	degraded := false
	for _, name := range order {
		h, err := c.handleFor(name, byName[name])
		if errors.Is(err, ErrBackendDegraded) {
			degraded = true
		} else if err != nil {
			continue
		}
		out = append(out, h)
	}

	var constructErr error
	if loader := c.getLoader(); loader != nil {
		for _, def := range loader.Definitions() {
			if _, seen := byName[def.Name]; seen || !onDemand(loader, def) || !def.HasCapability(tag) {
				continue
			}
			h, err := c.Discover(ctx, def.Name)
			switch {
			case err == nil:
			case errors.Is(err, ErrBackendDegraded):
				degraded = true
			default:
				slog.Warn(fmt.Sprintf("%s - capability %q: owner %s unavailable: %v", logPrefix, tag, def.Name, err))
				if constructErr == nil && errors.Is(err, ErrConstructionFailed) {
					constructErr = err
				}
				continue
			}
			out = append(out, h)
		}
	}

	if len(out) == 0 {
		if constructErr != nil {
			return nil, constructErr
		}
		return nil, fmt.Errorf("%s - capability %q: %w", logPrefix, tag, ErrNotFound)
	}
	if degraded {
		return out, fmt.Errorf("%s - capability %q: %w", logPrefix, tag, ErrBackendDegraded)
	}
	return out, nil
}

// EphemeralOwner returns the ephemeral definition that serves a request for name, or
// for capability tag when name is empty. Several owners of tag resolve to the first by
// name.
func (c *Curator) EphemeralOwner(name, tag string) (string, bool) {
	loader := c.getLoader()
	if _, ok := loader.(EphemeralRunner); !ok {
		return "", false
	}
	if name != "" {
		def, ok := loader.Definition(name)
		return name, ok && def.StartupPolicy == component.PolicyEphemeral
	}
	for _, def := range loader.Definitions() {
		if def.StartupPolicy == component.PolicyEphemeral && def.HasCapability(tag) {
			return def.Name, true
		}
	}
	return "", false
}

// RunEphemeral runs fn against a fresh instance of the ephemeral component name. The
// instance is registered for the duration of fn and deregistered afterwards.
func (c *Curator) RunEphemeral(ctx context.Context, name string, fn func(ctx context.Context, h Handle) error) error {
	r, ok := c.getLoader().(EphemeralRunner)
	if !ok {
		return fmt.Errorf("%s - run %s: no ephemeral loader: %w", logPrefix, name, ErrNotFound)
	}
	return r.RunEphemeral(ctx, name, fn)
}

// DiscoverVersion resolves a "name@range" reference to the highest registered version
// satisfying the range.
func (c *Curator) DiscoverVersion(ctx context.Context, ref string) (Handle, error) {
	parsed, err := semver.ParseComponentRef(ref)
	if err != nil {
		return Handle{}, fmt.Errorf("%s - discover %q: %w", logPrefix, ref, err)
	}
	if _, err := c.Discover(ctx, parsed.Name); err != nil && !errors.Is(err, ErrBackendDegraded) {
		return Handle{}, err
	}
	regs, err := c.registrations(ctx, parsed.Name)
	if err != nil {
		return Handle{}, err
	}

	versions := make([]string, 0, len(regs))
	for _, r := range regs {
		if r.Reachable() {
			versions = append(versions, r.Descriptor.Version)
		}
	}
	best, ok := semver.Resolve(versions, parsed.Range)
	if !ok {
		return Handle{}, fmt.Errorf("%s - no version of %s satisfies %q (majors %v): %w", logPrefix, parsed.Name, parsed.Range, semver.UniqueMajors(versions), ErrNotFound)
	}
	var matching []component.Registration
	for _, r := range regs {
		if r.Descriptor.Version == best {
			matching = append(matching, r)
		}
	}
	return c.handleFor(parsed.Name, matching)
}

// Majors returns the distinct major versions registered and reachable for name,
// highest first.
func (c *Curator) Majors(ctx context.Context, name string) ([]int, error) {
	regs, err := c.registrations(ctx, name)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(regs))
	for _, r := range regs {
		if r.Reachable() {
			versions = append(versions, r.Descriptor.Version)
		}
	}
	majors := semver.UniqueMajors(versions)
	if len(majors) == 0 {
		return nil, fmt.Errorf("%s - majors of %s: %w", logPrefix, name, ErrNotFound)
	}
	return majors, nil
}

// ListSOAOperations returns the operations advertised by name.
func (c *Curator) ListSOAOperations(ctx context.Context, name string) ([]string, error) {
	c.mu.RLock()
	lc, ok := c.local[name]
	c.mu.RUnlock()
	if ok {
		return append([]string(nil), lc.manifest.Operations...), nil
	}
	h, err := c.lookup(ctx, name)
	if err != nil && !errors.Is(err, ErrBackendDegraded) {
		return nil, err
	}
	return append([]string(nil), h.Registration.Manifest.Operations...), nil
}

// ListTools returns every tool entry point advertised across the mesh, sorted by
// component and entry point.
func (c *Curator) ListTools(ctx context.Context) ([]Tool, error) {
	all, err := c.discovery.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - list tools: %w", logPrefix, err)
	}
	seen := make(map[string]bool)
	var out []Tool
	for _, r := range all {
		for _, ep := range r.Manifest.ToolEntrypoints {
			key := r.Name() + "\x00" + ep
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Tool{Component: r.Name(), Entrypoint: ep, InstanceID: r.InstanceID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Entrypoint < out[j].Entrypoint
	})
	return out, nil
}

// Snapshot returns the current registrations for dependency validation. While the
// backend is unreachable discovery answers from cache and local state.
func (c *Curator) Snapshot(ctx context.Context) dependency.MapSnapshot {
	snap := make(dependency.MapSnapshot)
	all, err := c.discovery.ListAll(ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - snapshot: list failed, using local registrations: %v", logPrefix, err))
		for _, name := range c.LocalNames() {
			snap[name] = c.discovery.Registrations(name)
		}
		return snap
	}
	for _, r := range all {
		snap[r.Name()] = append(snap[r.Name()], r)
	}
	return snap
}

// Instance returns the in-process instance registered under name.
func (c *Curator) Instance(name string) (component.Identifiable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lc, ok := c.local[name]
	if !ok {
		return nil, false
	}
	return lc.instance, true
}

// InstanceID returns the instance ID this process registered name under.
func (c *Curator) InstanceID(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lc, ok := c.local[name]
	if !ok {
		return "", false
	}
	return lc.instanceID, true
}

// LocalNames returns the names registered from this process, sorted.
func (c *Curator) LocalNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.local))
	for n := range c.local {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown deregisters every component registered from this process.
func (c *Curator) Shutdown(ctx context.Context) error {
	var errs []error
	for _, name := range c.LocalNames() {
		if err := c.Deregister(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// registrations asks discovery for name, falling back to local state on a miss.
func (c *Curator) registrations(ctx context.Context, name string) ([]component.Registration, error) {
	regs, err := c.discovery.Discover(ctx, name)
	if err == nil && len(regs) > 0 {
		return regs, nil
	}
	if err != nil && !errors.Is(err, discovery.ErrNotFound) {
		return nil, fmt.Errorf("%s - discover %s: %w", logPrefix, name, err)
	}
	// A registration made from this process can be missing from a lagging backend.
	if regs = c.discovery.Registrations(name); len(regs) > 0 {
		return regs, nil
	}
	return nil, fmt.Errorf("%s - %s: %w", logPrefix, name, ErrNotFound)
}

func (c *Curator) lookup(ctx context.Context, name string) (Handle, error) {
	regs, err := c.registrations(ctx, name)
	if err != nil {
		return Handle{}, err
	}
	return c.handleFor(name, regs)
}

// handleFor picks one registration of name: this process's own instance when present,
// otherwise the healthiest reachable one.
func (c *Curator) handleFor(name string, regs []component.Registration) (Handle, error) {
	c.mu.RLock()
	lc := c.local[name]
	c.mu.RUnlock()

	var chosen *component.Registration
	for i := range regs {
		r := &regs[i]
		if !r.Reachable() {
			continue
		}
		if lc != nil && r.InstanceID == lc.instanceID {
			chosen = r
			break
		}
		if chosen == nil || healthRank(r.Health) < healthRank(chosen.Health) {
			chosen = r
		}
	}
	if chosen == nil {
		return Handle{}, fmt.Errorf("%s - %s: no reachable instance: %w", logPrefix, name, ErrNotFound)
	}

	h := Handle{
		Name:         name,
		InstanceID:   chosen.InstanceID,
		Registration: *chosen,
		Degraded:     chosen.Health == component.HealthDegraded,
	}
	if lc != nil && lc.instanceID == chosen.InstanceID {
		h.Instance = lc.instance
	}
	if c.discovery.Status().Mode != discovery.ModeConnected {
		h.Degraded = true
		return h, fmt.Errorf("%s - %s: %w", logPrefix, name, ErrBackendDegraded)
	}
	return h, nil
}

func healthRank(h component.Health) int {
	switch h {
	case component.HealthHealthy:
		return 0
	case component.HealthDegraded:
		return 1
	default:
		return 2
	}
}
