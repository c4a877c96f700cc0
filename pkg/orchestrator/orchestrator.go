// Package orchestrator owns the component catalog and builds components: eager ones
// once at Bootstrap in tier order, lazy ones on first use, ephemeral ones per call. It
// is the only owner of component instances; everything else reaches them through
// curator handles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/dependency"
	"github.com/morezero/component-mesh/pkg/metrics"
)

const logPrefix = "orchestrator:orchestrator"

var (
	ErrUnknownComponent    = errors.New("component not defined")
	ErrWrongTier           = errors.New("component is not of the requested tier")
	ErrWrongPolicy         = errors.New("startup policy does not allow this operation")
	ErrAlreadyBootstrapped = errors.New("bootstrap already ran")
	ErrNotBootstrapped     = errors.New("eager component not constructed")
	ErrRetryBackoff        = errors.New("construction retry backoff in effect")
	ErrUnreachable         = errors.New("component reported unreachable")
)

// Dependencies are the resolved dependencies handed to a Factory, keyed by name.
type Dependencies map[string]curator.Handle

// Instance returns the in-process instance of dependency name.
func (d Dependencies) Instance(name string) (component.Identifiable, bool) {
	h, ok := d[name]
	if !ok || h.Instance == nil {
		return nil, false
	}
	return h.Instance, true
}

// Factory is a tier constructor. It receives the already-registered dependencies of
// the component it builds.
type Factory func(ctx context.Context, deps Dependencies) (component.Instance, error)

// Config tunes construction.
type Config struct {
	// ConstructionTimeout bounds construction plus initialization of one component.
	ConstructionTimeout time.Duration
	// TierTimeouts overrides ConstructionTimeout per tier.
	TierTimeouts map[component.Tier]time.Duration
	// MinRetryBackoff is the minimum time between two construction attempts of one
	// component. Zero disables the backoff.
	MinRetryBackoff time.Duration
	// HealthProbeInterval is the period of HealthReporter probes. Zero disables probing.
	HealthProbeInterval time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ConstructionTimeout: 30 * time.Second,
		MinRetryBackoff:     5 * time.Second,
		HealthProbeInterval: 15 * time.Second,
	}
}

// NewOrchestratorParams holds parameters for NewOrchestrator.
type NewOrchestratorParams struct {
	Curator *curator.Curator
	Metrics *metrics.Metrics
	Config  Config
}

type entry struct {
	desc    component.Descriptor
	factory Factory
	limiter *rate.Limiter

	state         State
	instance      component.Instance
	health        component.Health
	lastErr       error
	constructions int
}

// Orchestrator builds and owns the components of one process.
type Orchestrator struct {
	curator *curator.Curator
	checker *dependency.Checker
	metrics *metrics.Metrics
	cfg     Config

	mu           sync.RWMutex
	graph        *dependency.Graph
	entries      map[string]*entry
	built        []string
	bootstrapped bool

	flight singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator and installs it as the curator's loader.
func NewOrchestrator(params NewOrchestratorParams) *Orchestrator {
	cfg := params.Config
	if cfg.ConstructionTimeout <= 0 {
		cfg.ConstructionTimeout = DefaultConfig().ConstructionTimeout
	}
	o := &Orchestrator{
		curator: params.Curator,
		checker: dependency.NewChecker(),
		metrics: params.Metrics,
		cfg:     cfg,
		graph:   dependency.NewGraph(),
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	params.Curator.SetLoader(o)

	if cfg.HealthProbeInterval > 0 {
		o.wg.Add(1)
		go o.probeLoop()
	}
	return o
}

// Define adds a component to the catalog. Descriptors that are invalid, conflict with
// an existing name, violate the tier rule, close a dependency cycle or depend on an
// ephemeral component are rejected.
func (o *Orchestrator) Define(desc component.Descriptor, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%s - define %s: nil factory", logPrefix, desc.Name)
	}
	desc = desc.Normalize()

	o.mu.Lock()
	if _, ok := o.entries[desc.Name]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%s - define %s: %w", logPrefix, desc.Name, dependency.ErrNameConflict)
	}
	if err := o.checkPolicies(desc); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := o.graph.Add(desc); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%s - define %s: %w", logPrefix, desc.Name, err)
	}
	o.entries[desc.Name] = &entry{
		desc:    desc,
		factory: factory,
		limiter: o.newLimiter(),
		state:   StateUnconstructed,
	}
	o.mu.Unlock()

	o.reportStates()
	slog.Debug(fmt.Sprintf("%s - Defined %s tier=%s policy=%s deps=%v", logPrefix, desc.Name, desc.Tier, desc.StartupPolicy, desc.Dependencies))
	return nil
}

// checkPolicies rejects dependency edges to ephemeral components. Caller holds o.mu.
func (o *Orchestrator) checkPolicies(desc component.Descriptor) error {
	for _, dep := range desc.Dependencies {
		if d, ok := o.graph.Get(dep); ok && d.StartupPolicy == component.PolicyEphemeral {
			return fmt.Errorf("%s - define %s: depends on ephemeral %s: %w", logPrefix, desc.Name, dep, ErrWrongPolicy)
		}
	}
	if desc.StartupPolicy == component.PolicyEphemeral {
		if dependents := o.graph.Dependents(desc.Name); len(dependents) > 0 {
			return fmt.Errorf("%s - define %s: ephemeral component has dependents %v: %w", logPrefix, desc.Name, dependents, ErrWrongPolicy)
		}
	}
	return nil
}

func (o *Orchestrator) newLimiter() *rate.Limiter {
	if o.cfg.MinRetryBackoff <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(o.cfg.MinRetryBackoff), 1)
}

// Bootstrap constructs every eager component, one tier at a time in tier order.
// Components of one tier are grouped by dependency level and each level is built
// concurrently. Any eager failure aborts Bootstrap. It may run only once.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.mu.Lock()
	if o.bootstrapped {
		o.mu.Unlock()
		return fmt.Errorf("%s - %w", logPrefix, ErrAlreadyBootstrapped)
	}
	o.bootstrapped = true
	o.mu.Unlock()

	start := time.Now()
	total := 0
	for _, tier := range component.Tiers {
		names := o.eagerNames(tier)
		if len(names) == 0 {
			continue
		}
		o.mu.RLock()
		levels, err := o.graph.TopologicalLevels(names)
		o.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("%s - bootstrap tier %s: %w", logPrefix, tier, err)
		}

		for _, level := range levels {
			g, gctx := errgroup.WithContext(ctx)
			for _, name := range level {
				g.Go(func() error {
					return o.ensure(gctx, name)
				})
			}
			if err := g.Wait(); err != nil {
				slog.Error(fmt.Sprintf("%s - Bootstrap failed in tier %s: %v", logPrefix, tier, err))
				return fmt.Errorf("%s - bootstrap tier %s: %w", logPrefix, tier, err)
			}
		}
		total += len(names)
		slog.Info(fmt.Sprintf("%s - Tier %s ready (%d eager components)", logPrefix, tier, len(names)))
	}

	slog.Info(fmt.Sprintf("%s - Bootstrap complete: %d eager components in %s", logPrefix, total, time.Since(start).Round(time.Millisecond)))
	return nil
}

func (o *Orchestrator) eagerNames(tier component.Tier) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var names []string
	for name, e := range o.entries {
		if e.desc.Tier == tier && e.desc.StartupPolicy == component.PolicyEager {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LoadOnDemand returns a handle to a lazy component, constructing it (and its lazy
// dependencies) on first use. Concurrent callers share one construction. For eager
// components it returns the handle built by Bootstrap.
func (o *Orchestrator) LoadOnDemand(ctx context.Context, name string) (curator.Handle, error) {
	e, err := o.entry(name)
	if err != nil {
		return curator.Handle{}, err
	}
	switch e.desc.StartupPolicy {
	case component.PolicyEphemeral:
		return curator.Handle{}, fmt.Errorf("%s - %s is ephemeral, use RunEphemeral: %w", logPrefix, name, ErrWrongPolicy)
	case component.PolicyEager:
		if o.live(name) {
			break
		}
		if !o.Recoverable(name) {
			return curator.Handle{}, fmt.Errorf("%s - load %s: %w", logPrefix, name,
				&curator.ConstructionError{Component: name, Err: ErrNotBootstrapped})
		}
		if err := o.ensure(ctx, name); err != nil {
			return curator.Handle{}, fmt.Errorf("%s - load %s: %w", logPrefix, name, err)
		}
	default:
		if err := o.ensure(ctx, name); err != nil {
			return curator.Handle{}, fmt.Errorf("%s - load %s: %w", logPrefix, name, err)
		}
	}
	return o.curator.Discover(ctx, name)
}

// Load implements curator.Loader. It constructs a lazy component without looking it
// up afterwards.
func (o *Orchestrator) Load(ctx context.Context, name string) error {
	e, err := o.entry(name)
	if err != nil {
		return err
	}
	if e.desc.StartupPolicy != component.PolicyLazy && !o.Recoverable(name) {
		return fmt.Errorf("%s - load %s: policy %s: %w", logPrefix, name, e.desc.StartupPolicy, ErrWrongPolicy)
	}
	return o.ensure(ctx, name)
}

// Recoverable implements curator.Recoverer: an eager component that failed after
// Bootstrap is rebuilt on demand like a lazy one.
func (o *Orchestrator) Recoverable(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	return ok && o.bootstrapped && e.desc.StartupPolicy == component.PolicyEager && e.state == StateFailed
}

// Definition implements curator.Loader.
func (o *Orchestrator) Definition(name string) (component.Descriptor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	if !ok {
		return component.Descriptor{}, false
	}
	return e.desc, true
}

// Definitions implements curator.Loader. The result is sorted by name.
func (o *Orchestrator) Definitions() []component.Descriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]component.Descriptor, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunEphemeral builds a fresh instance of an ephemeral component, registers it, runs fn
// with its handle, then deregisters and discards it.
func (o *Orchestrator) RunEphemeral(ctx context.Context, name string, fn func(ctx context.Context, h curator.Handle) error) error {
	e, err := o.entry(name)
	if err != nil {
		return err
	}
	if e.desc.StartupPolicy != component.PolicyEphemeral {
		return fmt.Errorf("%s - run %s: policy %s: %w", logPrefix, name, e.desc.StartupPolicy, ErrWrongPolicy)
	}

	o.mu.Lock()
	e.constructions++
	o.mu.Unlock()

	start := time.Now()
	inst, err := o.build(ctx, e.desc, e.factory, nil)
	o.metrics.Construction(string(e.desc.Tier), err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s - run %s: %w", logPrefix, name, err)
	}
	defer shutdownQuietly(context.WithoutCancel(ctx), inst)

	h, err := o.curator.RegisterEphemeral(ctx, inst, component.CapabilityManifest{})
	if err != nil {
		return fmt.Errorf("%s - run %s: %w", logPrefix, name, &curator.ConstructionError{Component: name, Err: err})
	}
	defer func() {
		if err := o.curator.DeregisterInstance(context.WithoutCancel(ctx), h.InstanceID); err != nil {
			slog.Warn(fmt.Sprintf("%s - deregister ephemeral %s (%s): %v", logPrefix, name, h.InstanceID, err))
		}
	}()

	return fn(ctx, h)
}

// Manager loads a Manager-tier component.
func (o *Orchestrator) Manager(ctx context.Context, name string) (curator.Handle, error) {
	return o.tierView(ctx, name, component.TierManager)
}

// TaskOrchestrator loads an Orchestrator-tier component.
func (o *Orchestrator) TaskOrchestrator(ctx context.Context, name string) (curator.Handle, error) {
	return o.tierView(ctx, name, component.TierOrchestrator)
}

// Service loads a LeafService-tier component.
func (o *Orchestrator) Service(ctx context.Context, name string) (curator.Handle, error) {
	return o.tierView(ctx, name, component.TierLeafService)
}

// Agent loads an Agent-tier component.
func (o *Orchestrator) Agent(ctx context.Context, name string) (curator.Handle, error) {
	return o.tierView(ctx, name, component.TierAgent)
}

func (o *Orchestrator) tierView(ctx context.Context, name string, tier component.Tier) (curator.Handle, error) {
	e, err := o.entry(name)
	if err != nil {
		return curator.Handle{}, err
	}
	if e.desc.Tier != tier {
		return curator.Handle{}, fmt.Errorf("%s - %s is %s, not %s: %w", logPrefix, name, e.desc.Tier, tier, ErrWrongTier)
	}
	return o.LoadOnDemand(ctx, name)
}

// State returns the lifecycle state of name.
func (o *Orchestrator) State(name string) (State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	if !ok {
		return "", false
	}
	return e.state, true
}

// States returns the lifecycle state of every defined component.
func (o *Orchestrator) States() map[string]State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]State, len(o.entries))
	for name, e := range o.entries {
		out[name] = e.state
	}
	return out
}

// Components returns the status of every defined component, ordered by tier rank
// and name.
func (o *Orchestrator) Components() []ComponentStatus {
	o.mu.RLock()
	out := make([]ComponentStatus, 0, len(o.entries))
	for name, e := range o.entries {
		st := ComponentStatus{
			Name:          name,
			Tier:          e.desc.Tier,
			StartupPolicy: e.desc.StartupPolicy,
			State:         e.state,
			Health:        e.health,
			Constructions: e.constructions,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	o.mu.RUnlock()

	for i := range out {
		if id, ok := o.curator.InstanceID(out[i].Name); ok {
			out[i].InstanceID = id
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Tier.Rank(), out[j].Tier.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Shutdown stops health probing, then shuts down and deregisters live components in
// reverse construction order.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })
	o.wg.Wait()

	o.mu.Lock()
	built := make([]string, len(o.built))
	for i, name := range o.built {
		built[len(built)-1-i] = name
	}
	o.built = nil
	o.mu.Unlock()

	var errs []error
	for _, name := range built {
		o.mu.RLock()
		e := o.entries[name]
		inst := e.instance
		o.mu.RUnlock()

		if s, ok := inst.(component.Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s - shutdown %s: %w", logPrefix, name, err))
			}
		}
		if err := o.curator.Deregister(ctx, name); err != nil && !errors.Is(err, curator.ErrNotFound) {
			errs = append(errs, err)
		}

		o.mu.Lock()
		e.instance = nil
		e.health = ""
		o.setStateLocked(e, StateUnconstructed)
		o.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - Shut down %s", logPrefix, name))
	}
	o.reportStates()
	return errors.Join(errs...)
}

func (o *Orchestrator) entry(name string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s - %s: %w: %w", logPrefix, name, ErrUnknownComponent, curator.ErrNotFound)
	}
	return e, nil
}

func (o *Orchestrator) live(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[name]
	return ok && e.state.Live()
}

// ensure makes name live, sharing one in-flight construction among concurrent callers.
// A caller whose ctx ends stops waiting; the construction itself carries on.
func (o *Orchestrator) ensure(ctx context.Context, name string) error {
	if o.live(name) {
		return nil
	}
	ch := o.flight.DoChan(name, func() (any, error) {
		return nil, o.construct(context.WithoutCancel(ctx), name)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) construct(ctx context.Context, name string) error {
	o.mu.Lock()
	e, ok := o.entries[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%s - %s: %w", logPrefix, name, ErrUnknownComponent)
	}
	if e.state.Live() {
		o.mu.Unlock()
		return nil
	}
	if !e.limiter.Allow() {
		last := e.lastErr
		o.mu.Unlock()
		return &curator.ConstructionError{Component: name, Missing: curator.MissingDependencies(last),
			Err: fmt.Errorf("%w (last failure: %v)", ErrRetryBackoff, last)}
	}
	e.constructions++
	o.setStateLocked(e, StateValidating)
	desc, factory := e.desc, e.factory
	o.mu.Unlock()
	o.reportStates()

	start := time.Now()
	inst, err := o.build(ctx, desc, factory, func(s State) { o.setState(name, s) })
	if err == nil {
		if err = o.curator.RegisterComponent(ctx, inst, component.CapabilityManifest{}); err != nil {
			shutdownQuietly(ctx, inst)
			err = &curator.ConstructionError{Component: name, Err: err}
		}
	}
	o.metrics.Construction(string(desc.Tier), err == nil, time.Since(start))
	if err != nil {
		o.mu.Lock()
		e.lastErr = err
		o.setStateLocked(e, StateFailed)
		o.mu.Unlock()
		o.reportStates()
		slog.Error(fmt.Sprintf("%s - Construction of %s failed: %v", logPrefix, name, err))
		return err
	}

	state, health := StateRegistered, component.HealthHealthy
	if reg, ok := o.curator.Registration(name); ok && reg.Health != component.HealthHealthy {
		state, health = StateDegraded, reg.Health
	}
	o.mu.Lock()
	e.instance = inst
	e.health = health
	e.lastErr = nil
	o.setStateLocked(e, state)
	o.built = append(o.built, name)
	o.mu.Unlock()
	o.reportStates()

	slog.Info(fmt.Sprintf("%s - %s %s in %s", logPrefix, name, state, time.Since(start).Round(time.Millisecond)))
	return nil
}

// build validates dependencies, runs the factory and initializes the result. onState
// receives lifecycle transitions; it is nil for ephemeral builds.
func (o *Orchestrator) build(ctx context.Context, desc component.Descriptor, factory Factory, onState func(State)) (component.Instance, error) {
	depErrs := o.loadDependencies(ctx, desc)
	res := o.checker.Validate(desc, o.curator.Snapshot(ctx))
	if !res.Valid {
		return nil, &curator.ConstructionError{Component: desc.Name, Missing: res.MissingDependencies, Err: errors.Join(depErrs...)}
	}

	deps := make(Dependencies, len(desc.Dependencies))
	for _, dep := range desc.Dependencies {
		h, err := o.curator.Discover(ctx, dep)
		if err != nil && !errors.Is(err, curator.ErrBackendDegraded) {
			return nil, &curator.ConstructionError{Component: desc.Name, Missing: []string{dep}, Err: err}
		}
		deps[dep] = h
	}

	tctx, cancel := context.WithTimeout(ctx, o.timeoutFor(desc.Tier))
	defer cancel()

	if onState != nil {
		onState(StateConstructing)
	}
	inst, err := withDeadline(tctx, func(c context.Context) (component.Instance, error) {
		inst, err := factory(c, deps)
		if err == nil && inst == nil {
			err = errors.New("factory returned nil instance")
		}
		return inst, err
	}, func(late component.Instance) { shutdownQuietly(context.Background(), late) })
	if err != nil {
		return nil, &curator.ConstructionError{Component: desc.Name, Err: fmt.Errorf("construct: %w", err)}
	}
	if got := inst.Descriptor().Name; got != desc.Name {
		shutdownQuietly(ctx, inst)
		return nil, &curator.ConstructionError{Component: desc.Name, Err: fmt.Errorf("factory built %q", got)}
	}

	if onState != nil {
		onState(StateInitializing)
	}
	_, err = withDeadline(tctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, inst.Initialize(c)
	}, func(struct{}) { shutdownQuietly(context.Background(), inst) })
	if err != nil {
		shutdownQuietly(ctx, inst)
		return nil, &curator.ConstructionError{Component: desc.Name, Err: fmt.Errorf("initialize: %w", err)}
	}
	return inst, nil
}

// loadDependencies constructs lazy dependencies, and eager ones once Bootstrap has
// started. Dependencies outside the catalog are left to the dependency check.
func (o *Orchestrator) loadDependencies(ctx context.Context, desc component.Descriptor) []error {
	o.mu.RLock()
	bootstrapped := o.bootstrapped
	o.mu.RUnlock()

	var errs []error
	for _, dep := range desc.Dependencies {
		de, ok := o.Definition(dep)
		if !ok {
			continue
		}
		switch {
		case de.StartupPolicy == component.PolicyLazy,
			de.StartupPolicy == component.PolicyEager && bootstrapped:
			if err := o.ensure(ctx, dep); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dep, err))
			}
		}
	}
	return errs
}

func (o *Orchestrator) timeoutFor(tier component.Tier) time.Duration {
	if d, ok := o.cfg.TierTimeouts[tier]; ok && d > 0 {
		return d
	}
	return o.cfg.ConstructionTimeout
}

func (o *Orchestrator) setState(name string, s State) {
	o.mu.Lock()
	if e, ok := o.entries[name]; ok {
		o.setStateLocked(e, s)
	}
	o.mu.Unlock()
	o.reportStates()
}

// setStateLocked moves e to s. Caller holds o.mu.
func (o *Orchestrator) setStateLocked(e *entry, s State) {
	if e.state == s {
		return
	}
	if !e.state.CanTransition(s) {
		slog.Warn(fmt.Sprintf("%s - unexpected transition %s: %s -> %s", logPrefix, e.desc.Name, e.state, s))
	}
	slog.Debug(fmt.Sprintf("%s - %s: %s -> %s", logPrefix, e.desc.Name, e.state, s))
	e.state = s
}

func (o *Orchestrator) reportStates() {
	if o.metrics == nil {
		return
	}
	counts := make(map[string]int, len(AllStates))
	for _, s := range AllStates {
		counts[string(s)] = 0
	}
	o.mu.RLock()
	for _, e := range o.entries {
		counts[string(e.state)]++
	}
	o.mu.RUnlock()
	o.metrics.SetComponentStates(counts)
}

// withDeadline runs fn and returns early when ctx ends. A result that arrives after
// the deadline is passed to discard. Panics in fn become errors.
func withDeadline[T any](ctx context.Context, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

func shutdownQuietly(ctx context.Context, inst component.Identifiable) {
	s, ok := inst.(component.Shutdowner)
	if !ok {
		return
	}
	if err := s.Shutdown(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - shutdown %s: %v", logPrefix, inst.Descriptor().Name, err))
	}
}
