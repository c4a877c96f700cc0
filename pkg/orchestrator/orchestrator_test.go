package orchestrator_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/dependency"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/discovery/memory"
	"github.com/morezero/component-mesh/pkg/orchestrator"
)

const orchestratorTestPrefix = "orchestrator:orchestrator_test"

// recorder collects lifecycle calls across components.
type recorder struct {
	mu        sync.Mutex
	inits     map[string]int
	shutdowns []string
}

func newRecorder() *recorder {
	return &recorder{inits: map[string]int{}}
}

func (r *recorder) initCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits[name]
}

func (r *recorder) shutdownOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shutdowns...)
}

type testComponent struct {
	desc    component.Descriptor
	rec     *recorder
	initErr error
	delay   time.Duration

	health atomic.Value
}

func (c *testComponent) Descriptor() component.Descriptor { return c.desc }

func (c *testComponent) Initialize(ctx context.Context) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.rec.mu.Lock()
	c.rec.inits[c.desc.Name]++
	c.rec.mu.Unlock()
	return c.initErr
}

func (c *testComponent) Manifest() component.CapabilityManifest {
	return component.CapabilityManifest{Operations: []string{"run"}}
}

func (c *testComponent) Shutdown(context.Context) error {
	c.rec.mu.Lock()
	c.rec.shutdowns = append(c.rec.shutdowns, c.desc.Name)
	c.rec.mu.Unlock()
	return nil
}

func (c *testComponent) HealthCheck(context.Context) component.Health {
	if h, ok := c.health.Load().(component.Health); ok {
		return h
	}
	return component.HealthHealthy
}

type env struct {
	orch    *orchestrator.Orchestrator
	cur     *curator.Curator
	backend *memory.Backend
	rec     *recorder
}

func newEnv(t *testing.T, dcfg discovery.Config, ocfg orchestrator.Config) *env {
	t.Helper()
	backend := memory.New()
	svc := discovery.NewService(discovery.ServiceParams{Backend: backend, Config: dcfg})
	cur := curator.NewCurator(curator.NewCuratorParams{Discovery: svc})
	orch := orchestrator.NewOrchestrator(orchestrator.NewOrchestratorParams{Curator: cur, Config: ocfg})
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background())
		_ = svc.Close()
	})
	return &env{orch: orch, cur: cur, backend: backend, rec: newRecorder()}
}

func defaultEnv(t *testing.T) *env {
	return newEnv(t, discovery.Config{}, orchestrator.Config{ConstructionTimeout: 5 * time.Second})
}

func desc(name string, tier component.Tier, policy component.StartupPolicy, deps ...string) component.Descriptor {
	return component.Descriptor{Name: name, Tier: tier, StartupPolicy: policy, Dependencies: deps}
}

// factory builds a testComponent and counts constructor calls.
func (e *env) factory(d component.Descriptor, calls *atomic.Int32) orchestrator.Factory {
	return func(ctx context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		if calls != nil {
			calls.Add(1)
		}
		for _, dep := range d.Dependencies {
			if _, ok := deps[dep]; !ok {
				return nil, errors.New("dependency not resolved: " + dep)
			}
		}
		return &testComponent{desc: d, rec: e.rec}, nil
	}
}

func (e *env) define(t *testing.T, d component.Descriptor) {
	t.Helper()
	if err := e.orch.Define(d, e.factory(d, nil)); err != nil {
		t.Fatalf("%s - Define %s: %v", orchestratorTestPrefix, d.Name, err)
	}
}

func TestDefine_Rejections(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Store", component.TierFoundation, component.PolicyEager))
	e.define(t, desc("Worker", component.TierLeafService, component.PolicyEager, "Store"))
	e.define(t, desc("Scratch", component.TierAgent, component.PolicyEphemeral))

	tests := []struct {
		name    string
		desc    component.Descriptor
		wantErr error
	}{
		{"duplicate name", desc("Store", component.TierFoundation, component.PolicyEager), dependency.ErrNameConflict},
		{"upward dependency", desc("Gate", component.TierGateway, component.PolicyEager, "Worker"), component.ErrTierViolation},
		{"self dependency", desc("Loop", component.TierManager, component.PolicyLazy, "Loop"), component.ErrDependencyCycle},
		{"depends on ephemeral", desc("Boss", component.TierManager, component.PolicyLazy, "Scratch"), orchestrator.ErrWrongPolicy},
		{"unknown tier", desc("Odd", component.Tier("Planet"), component.PolicyLazy), component.ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.orch.Define(tt.desc, e.factory(tt.desc, nil))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s - Define = %v, want %v", orchestratorTestPrefix, err, tt.wantErr)
			}
		})
	}
}

func TestDefine_RejectsCycle(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("A", component.TierManager, component.PolicyLazy, "B"))
	e.define(t, desc("B", component.TierManager, component.PolicyLazy, "C"))

	err := e.orch.Define(desc("C", component.TierManager, component.PolicyLazy, "A"), e.factory(component.Descriptor{}, nil))
	if !errors.Is(err, component.ErrDependencyCycle) {
		t.Fatalf("%s - Define = %v, want ErrDependencyCycle", orchestratorTestPrefix, err)
	}
	if _, ok := e.orch.Definition("C"); ok {
		t.Errorf("%s - rejected component was added to the catalog", orchestratorTestPrefix)
	}
}

func TestBootstrap_EagerOnlyInTierOrder(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Store", component.TierFoundation, component.PolicyEager))
	e.define(t, desc("Cache", component.TierFoundation, component.PolicyEager, "Store"))
	e.define(t, desc("Gateway", component.TierGateway, component.PolicyEager, "Cache"))
	e.define(t, desc("Insights", component.TierOrchestrator, component.PolicyLazy, "Store"))

	ctx := context.Background()
	if err := e.orch.Bootstrap(ctx); err != nil {
		t.Fatalf("%s - Bootstrap: %v", orchestratorTestPrefix, err)
	}

	for _, name := range []string{"Store", "Cache", "Gateway"} {
		if st, _ := e.orch.State(name); st != orchestrator.StateRegistered {
			t.Errorf("%s - %s state = %s, want registered", orchestratorTestPrefix, name, st)
		}
	}
	if st, _ := e.orch.State("Insights"); st != orchestrator.StateUnconstructed {
		t.Errorf("%s - lazy Insights state = %s, want unconstructed", orchestratorTestPrefix, st)
	}
	if e.rec.initCount("Insights") != 0 {
		t.Errorf("%s - lazy component initialized during bootstrap", orchestratorTestPrefix)
	}
	if _, ok := e.cur.Registration("Insights"); ok {
		t.Errorf("%s - lazy component registered during bootstrap", orchestratorTestPrefix)
	}

	if err := e.orch.Bootstrap(ctx); !errors.Is(err, orchestrator.ErrAlreadyBootstrapped) {
		t.Errorf("%s - second Bootstrap = %v, want ErrAlreadyBootstrapped", orchestratorTestPrefix, err)
	}

	if err := e.orch.Shutdown(ctx); err != nil {
		t.Fatalf("%s - Shutdown: %v", orchestratorTestPrefix, err)
	}
	want := []string{"Gateway", "Cache", "Store"}
	if got := e.rec.shutdownOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("%s - shutdown order = %v, want %v", orchestratorTestPrefix, got, want)
	}
	if e.backend.Len() != 0 {
		t.Errorf("%s - %d registrations left after shutdown", orchestratorTestPrefix, e.backend.Len())
	}
}

func TestBootstrap_EagerFailureIsFatal(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Store", component.TierFoundation, component.PolicyEager))
	bad := desc("Broken", component.TierGateway, component.PolicyEager, "Store")
	err := e.orch.Define(bad, func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		return nil, errors.New("no listener")
	})
	if err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}
	e.define(t, desc("Later", component.TierManager, component.PolicyEager))

	if err := e.orch.Bootstrap(context.Background()); !errors.Is(err, curator.ErrConstructionFailed) {
		t.Fatalf("%s - Bootstrap = %v, want ErrConstructionFailed", orchestratorTestPrefix, err)
	}
	if st, _ := e.orch.State("Broken"); st != orchestrator.StateFailed {
		t.Errorf("%s - Broken state = %s, want failed", orchestratorTestPrefix, st)
	}
	if st, _ := e.orch.State("Later"); st != orchestrator.StateUnconstructed {
		t.Errorf("%s - Later state = %s, want unconstructed", orchestratorTestPrefix, st)
	}
}

func TestLoadOnDemand_ConcurrentCallersShareOneConstruction(t *testing.T) {
	e := defaultEnv(t)
	d := desc("Insights", component.TierOrchestrator, component.PolicyLazy)
	var calls atomic.Int32
	err := e.orch.Define(d, func(ctx context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		calls.Add(1)
		return &testComponent{desc: d, rec: e.rec, delay: 50 * time.Millisecond}, nil
	})
	if err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}

	const callers = 20
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := e.orch.LoadOnDemand(context.Background(), "Insights")
			ids[i], errs[i] = h.InstanceID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("%s - caller %d: %v", orchestratorTestPrefix, i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("%s - caller %d got instance %s, want %s", orchestratorTestPrefix, i, ids[i], ids[0])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("%s - factory called %d times, want 1", orchestratorTestPrefix, got)
	}
	if got := e.rec.initCount("Insights"); got != 1 {
		t.Errorf("%s - Initialize called %d times, want 1", orchestratorTestPrefix, got)
	}
}

func TestLoadOnDemand_LoadsLazyDependencies(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Index", component.TierLeafService, component.PolicyLazy))
	e.define(t, desc("Insights", component.TierOrchestrator, component.PolicyLazy, "Index"))

	h, err := e.orch.TaskOrchestrator(context.Background(), "Insights")
	if err != nil {
		t.Fatalf("%s - TaskOrchestrator: %v", orchestratorTestPrefix, err)
	}
	if !h.Local() {
		t.Errorf("%s - handle has no local instance", orchestratorTestPrefix)
	}
	if st, _ := e.orch.State("Index"); st != orchestrator.StateRegistered {
		t.Errorf("%s - Index state = %s, want registered", orchestratorTestPrefix, st)
	}
}

func TestLoadOnDemand_ThroughCuratorDiscover(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Insights", component.TierOrchestrator, component.PolicyLazy))

	h, err := e.cur.Discover(context.Background(), "Insights")
	if err != nil {
		t.Fatalf("%s - Discover: %v", orchestratorTestPrefix, err)
	}
	if h.Name != "Insights" || e.rec.initCount("Insights") != 1 {
		t.Errorf("%s - handle = %+v inits = %d", orchestratorTestPrefix, h, e.rec.initCount("Insights"))
	}
}

func TestLoadOnDemand_MissingDependencies(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Insights", component.TierOrchestrator, component.PolicyLazy, "Index", "Vectors"))

	_, err := e.orch.LoadOnDemand(context.Background(), "Insights")
	if !errors.Is(err, curator.ErrConstructionFailed) {
		t.Fatalf("%s - LoadOnDemand = %v, want ErrConstructionFailed", orchestratorTestPrefix, err)
	}
	want := []string{"Index", "Vectors"}
	if got := curator.MissingDependencies(err); !reflect.DeepEqual(got, want) {
		t.Errorf("%s - missing = %v, want %v", orchestratorTestPrefix, got, want)
	}
	if st, _ := e.orch.State("Insights"); st != orchestrator.StateFailed {
		t.Errorf("%s - state = %s, want failed", orchestratorTestPrefix, st)
	}
}

func TestLoadOnDemand_RetryBackoff(t *testing.T) {
	e := newEnv(t, discovery.Config{}, orchestrator.Config{ConstructionTimeout: time.Second, MinRetryBackoff: time.Hour})
	d := desc("Flaky", component.TierLeafService, component.PolicyLazy)
	var calls atomic.Int32
	err := e.orch.Define(d, func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}

	ctx := context.Background()
	if _, err := e.orch.LoadOnDemand(ctx, "Flaky"); !errors.Is(err, curator.ErrConstructionFailed) {
		t.Fatalf("%s - first LoadOnDemand = %v", orchestratorTestPrefix, err)
	}
	_, err = e.orch.LoadOnDemand(ctx, "Flaky")
	if !errors.Is(err, orchestrator.ErrRetryBackoff) || !errors.Is(err, curator.ErrConstructionFailed) {
		t.Fatalf("%s - second LoadOnDemand = %v, want ErrRetryBackoff", orchestratorTestPrefix, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("%s - factory called %d times, want 1", orchestratorTestPrefix, got)
	}
}

func TestLoadOnDemand_InitializeTimeout(t *testing.T) {
	e := newEnv(t, discovery.Config{}, orchestrator.Config{
		ConstructionTimeout: time.Second,
		TierTimeouts:        map[component.Tier]time.Duration{component.TierAgent: 20 * time.Millisecond},
	})
	d := desc("Slow", component.TierAgent, component.PolicyLazy)
	err := e.orch.Define(d, func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		return &testComponent{desc: d, rec: e.rec, delay: time.Second}, nil
	})
	if err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}

	_, err = e.orch.Agent(context.Background(), "Slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s - Agent = %v, want deadline exceeded", orchestratorTestPrefix, err)
	}
	if _, ok := e.cur.Registration("Slow"); ok {
		t.Errorf("%s - timed out component was registered", orchestratorTestPrefix)
	}
}

func TestTierViews(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Planner", component.TierManager, component.PolicyLazy))
	e.define(t, desc("Scratch", component.TierAgent, component.PolicyEphemeral))
	ctx := context.Background()

	if _, err := e.orch.Manager(ctx, "Planner"); err != nil {
		t.Errorf("%s - Manager: %v", orchestratorTestPrefix, err)
	}
	if _, err := e.orch.Service(ctx, "Planner"); !errors.Is(err, orchestrator.ErrWrongTier) {
		t.Errorf("%s - Service = %v, want ErrWrongTier", orchestratorTestPrefix, err)
	}
	if _, err := e.orch.Agent(ctx, "Scratch"); !errors.Is(err, orchestrator.ErrWrongPolicy) {
		t.Errorf("%s - Agent on ephemeral = %v, want ErrWrongPolicy", orchestratorTestPrefix, err)
	}
	if _, err := e.orch.Manager(ctx, "Nobody"); !errors.Is(err, orchestrator.ErrUnknownComponent) {
		t.Errorf("%s - Manager = %v, want ErrUnknownComponent", orchestratorTestPrefix, err)
	}
}

func TestRunEphemeral_DeregistersAfterUse(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Scratch", component.TierAgent, component.PolicyEphemeral))
	ctx := context.Background()

	var seen []string
	for i := 0; i < 2; i++ {
		err := e.orch.RunEphemeral(ctx, "Scratch", func(ctx context.Context, h curator.Handle) error {
			if e.backend.Len() != 1 {
				t.Errorf("%s - %d registrations during run, want 1", orchestratorTestPrefix, e.backend.Len())
			}
			seen = append(seen, h.InstanceID)
			return nil
		})
		if err != nil {
			t.Fatalf("%s - RunEphemeral: %v", orchestratorTestPrefix, err)
		}
	}

	if e.backend.Len() != 0 {
		t.Errorf("%s - %d registrations after run, want 0", orchestratorTestPrefix, e.backend.Len())
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Errorf("%s - instance IDs = %v, want two distinct", orchestratorTestPrefix, seen)
	}
	if got := e.rec.shutdownOrder(); len(got) != 2 {
		t.Errorf("%s - shutdowns = %v, want 2", orchestratorTestPrefix, got)
	}

	runErr := errors.New("task failed")
	err := e.orch.RunEphemeral(ctx, "Scratch", func(context.Context, curator.Handle) error { return runErr })
	if !errors.Is(err, runErr) {
		t.Errorf("%s - RunEphemeral = %v, want task error", orchestratorTestPrefix, err)
	}
	if e.backend.Len() != 0 {
		t.Errorf("%s - registration leaked after failed run", orchestratorTestPrefix)
	}
}

func TestBootstrap_DegradedBackend(t *testing.T) {
	e := newEnv(t,
		discovery.Config{CacheTTL: -1, GraceWindow: 0, ReconnectInterval: time.Hour},
		orchestrator.Config{ConstructionTimeout: time.Second})
	e.define(t, desc("Store", component.TierFoundation, component.PolicyEager))
	e.define(t, desc("Worker", component.TierLeafService, component.PolicyEager, "Store"))
	e.backend.SetAvailable(false)

	ctx := context.Background()
	if err := e.orch.Bootstrap(ctx); err != nil {
		t.Fatalf("%s - Bootstrap: %v", orchestratorTestPrefix, err)
	}
	if st, _ := e.orch.State("Worker"); st != orchestrator.StateDegraded {
		t.Errorf("%s - Worker state = %s, want degraded", orchestratorTestPrefix, st)
	}

	h, err := e.orch.Service(ctx, "Worker")
	if !errors.Is(err, curator.ErrBackendDegraded) {
		t.Fatalf("%s - Service = %v, want ErrBackendDegraded", orchestratorTestPrefix, err)
	}
	if !h.Local() || !h.Degraded {
		t.Errorf("%s - degraded handle = %+v", orchestratorTestPrefix, h)
	}
}

func TestProbeHealth(t *testing.T) {
	e := defaultEnv(t)
	d := desc("Store", component.TierFoundation, component.PolicyEager)
	inst := &testComponent{desc: d, rec: e.rec}
	err := e.orch.Define(d, func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		return inst, nil
	})
	if err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}
	ctx := context.Background()
	if err := e.orch.Bootstrap(ctx); err != nil {
		t.Fatalf("%s - Bootstrap: %v", orchestratorTestPrefix, err)
	}

	inst.health.Store(component.HealthDegraded)
	e.orch.ProbeHealth(ctx)
	if st, _ := e.orch.State("Store"); st != orchestrator.StateDegraded {
		t.Errorf("%s - state = %s, want degraded", orchestratorTestPrefix, st)
	}
	if h, err := e.backend.HealthOf(ctx, "Store"); err != nil || h != component.HealthDegraded {
		t.Errorf("%s - backend health = %s, %v", orchestratorTestPrefix, h, err)
	}

	inst.health.Store(component.HealthHealthy)
	e.orch.ProbeHealth(ctx)
	if st, _ := e.orch.State("Store"); st != orchestrator.StateRegistered {
		t.Errorf("%s - state = %s, want registered", orchestratorTestPrefix, st)
	}
}

// latestFactory builds a fresh testComponent per call and remembers the last one.
type latestFactory struct {
	mu   sync.Mutex
	last *testComponent
}

func (f *latestFactory) build(e *env, d component.Descriptor) orchestrator.Factory {
	return func(context.Context, orchestrator.Dependencies) (component.Instance, error) {
		inst := &testComponent{desc: d, rec: e.rec}
		f.mu.Lock()
		f.last = inst
		f.mu.Unlock()
		return inst, nil
	}
}

func (f *latestFactory) latest() *testComponent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func TestHealthCheck_UnreachableIsRebuilt(t *testing.T) {
	backoff := 100 * time.Millisecond
	e := newEnv(t, discovery.Config{}, orchestrator.Config{ConstructionTimeout: time.Second, MinRetryBackoff: backoff})
	d := desc("Leaf", component.TierLeafService, component.PolicyLazy)
	var f latestFactory
	if err := e.orch.Define(d, f.build(e, d)); err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}
	ctx := context.Background()
	if _, err := e.orch.LoadOnDemand(ctx, "Leaf"); err != nil {
		t.Fatalf("%s - LoadOnDemand: %v", orchestratorTestPrefix, err)
	}
	first := f.latest()

	first.health.Store(component.HealthUnreachable)
	e.orch.ProbeHealth(ctx)
	if st, _ := e.orch.State("Leaf"); st != orchestrator.StateFailed {
		t.Fatalf("%s - state after unreachable report = %s, want failed", orchestratorTestPrefix, st)
	}
	if got := e.rec.shutdownOrder(); len(got) != 1 || got[0] != "Leaf" {
		t.Errorf("%s - shutdowns = %v, want [Leaf]", orchestratorTestPrefix, got)
	}

	_, err := e.cur.Discover(ctx, "Leaf")
	if !errors.Is(err, curator.ErrConstructionFailed) || !errors.Is(err, orchestrator.ErrRetryBackoff) {
		t.Fatalf("%s - Discover inside backoff = %v, want ErrRetryBackoff", orchestratorTestPrefix, err)
	}

	time.Sleep(backoff + 50*time.Millisecond)
	h, err := e.orch.LoadOnDemand(ctx, "Leaf")
	if err != nil {
		t.Fatalf("%s - LoadOnDemand after backoff: %v", orchestratorTestPrefix, err)
	}
	if got := e.rec.initCount("Leaf"); got != 2 {
		t.Errorf("%s - Initialize called %d times, want 2", orchestratorTestPrefix, got)
	}
	if h.Instance == component.Identifiable(first) || h.Instance != component.Identifiable(f.latest()) {
		t.Errorf("%s - handle does not carry the rebuilt instance", orchestratorTestPrefix)
	}
	if st, _ := e.orch.State("Leaf"); st != orchestrator.StateRegistered {
		t.Errorf("%s - state after rebuild = %s, want registered", orchestratorTestPrefix, st)
	}
	if hl, err := e.backend.HealthOf(ctx, "Leaf"); err != nil || hl != component.HealthHealthy {
		t.Errorf("%s - backend health after rebuild = %s, %v", orchestratorTestPrefix, hl, err)
	}
}

func TestHealthCheck_UnreachableEagerIsRecovered(t *testing.T) {
	e := defaultEnv(t)
	d := desc("Store", component.TierFoundation, component.PolicyEager)
	var f latestFactory
	if err := e.orch.Define(d, f.build(e, d)); err != nil {
		t.Fatalf("%s - Define: %v", orchestratorTestPrefix, err)
	}
	ctx := context.Background()
	if err := e.orch.Bootstrap(ctx); err != nil {
		t.Fatalf("%s - Bootstrap: %v", orchestratorTestPrefix, err)
	}

	f.latest().health.Store(component.HealthUnreachable)
	e.orch.ProbeHealth(ctx)
	if !e.orch.Recoverable("Store") {
		t.Fatalf("%s - failed eager component is not recoverable", orchestratorTestPrefix)
	}

	if _, err := e.cur.Discover(ctx, "Store"); err != nil {
		t.Fatalf("%s - Discover: %v", orchestratorTestPrefix, err)
	}
	if got := e.rec.initCount("Store"); got != 2 {
		t.Errorf("%s - Initialize called %d times, want 2", orchestratorTestPrefix, got)
	}
	if e.orch.Recoverable("Store") {
		t.Errorf("%s - rebuilt component still recoverable", orchestratorTestPrefix)
	}
	if got := e.orch.Shutdown(ctx); got != nil {
		t.Fatalf("%s - Shutdown: %v", orchestratorTestPrefix, got)
	}
	if got := e.rec.shutdownOrder(); len(got) != 2 {
		t.Errorf("%s - shutdowns = %v, want one per instance", orchestratorTestPrefix, got)
	}
}

func TestComponents(t *testing.T) {
	e := defaultEnv(t)
	e.define(t, desc("Planner", component.TierManager, component.PolicyLazy))
	e.define(t, desc("Store", component.TierFoundation, component.PolicyEager))
	if err := e.orch.Bootstrap(context.Background()); err != nil {
		t.Fatalf("%s - Bootstrap: %v", orchestratorTestPrefix, err)
	}

	got := e.orch.Components()
	if len(got) != 2 || got[0].Name != "Store" || got[1].Name != "Planner" {
		t.Fatalf("%s - components = %+v", orchestratorTestPrefix, got)
	}
	if got[0].InstanceID == "" || got[0].Constructions != 1 || got[0].Health != component.HealthHealthy {
		t.Errorf("%s - Store status = %+v", orchestratorTestPrefix, got[0])
	}
	if got[1].State != orchestrator.StateUnconstructed || got[1].InstanceID != "" {
		t.Errorf("%s - Planner status = %+v", orchestratorTestPrefix, got[1])
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to orchestrator.State
		want     bool
	}{
		{orchestrator.StateUnconstructed, orchestrator.StateValidating, true},
		{orchestrator.StateUnconstructed, orchestrator.StateRegistered, false},
		{orchestrator.StateInitializing, orchestrator.StateDegraded, true},
		{orchestrator.StateFailed, orchestrator.StateValidating, true},
		{orchestrator.StateRegistered, orchestrator.StateConstructing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s - %s -> %s = %v, want %v", orchestratorTestPrefix, tt.from, tt.to, got, tt.want)
		}
	}
}
