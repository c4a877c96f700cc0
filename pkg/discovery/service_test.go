package discovery_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/discovery/memory"
	"github.com/morezero/component-mesh/pkg/events"
)

const serviceTestPrefix = "discovery:service_test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, cfg discovery.Config) (*discovery.Service, *memory.Backend, *events.RecordingPublisher) {
	t.Helper()
	backend := memory.New()
	pub := &events.RecordingPublisher{}
	svc := discovery.NewService(discovery.ServiceParams{Backend: backend, Publisher: pub, Config: cfg})
	t.Cleanup(func() { _ = svc.Close() })
	return svc, backend, pub
}

func leaf(name string, deps ...string) component.Descriptor {
	return component.Descriptor{Name: name, Tier: component.TierLeafService, StartupPolicy: component.PolicyLazy, Dependencies: deps}
}

func TestService_IdempotentRegistration(t *testing.T) {
	svc, backend, _ := newService(t, discovery.Config{CacheTTL: -1})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	ids := []string{"i-1", "i-2", "i-3"}
	for i := 0; i < 60; i++ {
		id := ids[rng.Intn(len(ids))]
		if _, err := svc.Register(ctx, discovery.RegisterInput{Descriptor: leaf("Parser"), InstanceID: id}); err != nil {
			t.Fatalf("%s - register %s: %v", serviceTestPrefix, id, err)
		}
	}
	regs, err := svc.DiscoverService(ctx, "Parser")
	if err != nil {
		t.Fatalf("%s - discover: %v", serviceTestPrefix, err)
	}
	seen := map[string]bool{}
	for _, r := range regs {
		if seen[r.InstanceID] {
			t.Fatalf("%s - duplicate registration for %s", serviceTestPrefix, r.InstanceID)
		}
		seen[r.InstanceID] = true
	}
	if backend.Len() != len(regs) {
		t.Errorf("%s - backend has %d entries, discover returned %d", serviceTestPrefix, backend.Len(), len(regs))
	}
}

func TestService_RejectsCyclesAndTierViolations(t *testing.T) {
	svc, backend, _ := newService(t, discovery.Config{})
	ctx := context.Background()

	if _, err := svc.RegisterService(ctx, leaf("A", "B"), nil); err != nil {
		t.Fatal(err)
	}
	_, err := svc.RegisterService(ctx, leaf("B", "A"), nil)
	if !errors.Is(err, component.ErrDependencyCycle) {
		t.Errorf("%s - err = %v, want ErrDependencyCycle", serviceTestPrefix, err)
	}

	orch := component.Descriptor{Name: "Insights", Tier: component.TierOrchestrator, StartupPolicy: component.PolicyLazy}
	if _, err := svc.RegisterService(ctx, orch, nil); err != nil {
		t.Fatal(err)
	}
	_, err = svc.RegisterService(ctx, leaf("Report", "Insights"), nil)
	if !errors.Is(err, component.ErrTierViolation) {
		t.Errorf("%s - err = %v, want ErrTierViolation", serviceTestPrefix, err)
	}

	other := orch
	other.Tier = component.TierManager
	if _, err := svc.RegisterService(ctx, other, nil); err == nil {
		t.Errorf("%s - expected name conflict for Insights re-declared as manager", serviceTestPrefix)
	}
	if backend.Calls("register") != 2 {
		t.Errorf("%s - rejected descriptors must not reach the backend, register calls = %d", serviceTestPrefix, backend.Calls("register"))
	}
}

func TestService_DiscoverNotFound(t *testing.T) {
	svc, _, _ := newService(t, discovery.Config{})
	_, err := svc.DiscoverService(context.Background(), "Nobody")
	if !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("%s - err = %v, want ErrNotFound", serviceTestPrefix, err)
	}
}

func TestService_DegradedContinuity(t *testing.T) {
	svc, backend, _ := newService(t, discovery.Config{CacheTTL: time.Millisecond, GraceWindow: time.Hour})
	ctx := context.Background()

	if _, err := svc.RegisterService(ctx, leaf("Parser"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DiscoverService(ctx, "Parser"); err != nil {
		t.Fatal(err)
	}

	backend.SetAvailable(false)
	time.Sleep(2 * time.Millisecond)

	regs, err := svc.DiscoverService(ctx, "Parser")
	if err != nil {
		t.Fatalf("%s - cached name must still resolve: %v", serviceTestPrefix, err)
	}
	if regs[0].Health != component.HealthDegraded {
		t.Errorf("%s - Health = %q, want degraded", serviceTestPrefix, regs[0].Health)
	}
	if svc.Mode() != discovery.ModeDegraded {
		t.Errorf("%s - Mode = %q, want degraded", serviceTestPrefix, svc.Mode())
	}

	reg, err := svc.RegisterService(ctx, leaf("Exporter"), nil)
	if err != nil {
		t.Fatalf("%s - register during outage must not fail: %v", serviceTestPrefix, err)
	}
	if reg.Health != component.HealthDegraded {
		t.Errorf("%s - outage registration Health = %q, want degraded", serviceTestPrefix, reg.Health)
	}
	if _, err := svc.DiscoverService(ctx, "Nobody"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("%s - uncached name err = %v, want ErrNotFound", serviceTestPrefix, err)
	}
	if h, err := svc.HealthOf(ctx, "Exporter"); err != nil || h != component.HealthDegraded {
		t.Errorf("%s - HealthOf(Exporter) = %q, %v", serviceTestPrefix, h, err)
	}
	if _, err := svc.DiscoverByCapability(ctx, "none"); !errors.Is(err, discovery.ErrNotFound) {
		t.Errorf("%s - DiscoverByCapability err = %v, want ErrNotFound", serviceTestPrefix, err)
	}
	all, err := svc.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Errorf("%s - ListAll during outage = %d registrations, %v; want 2", serviceTestPrefix, len(all), err)
	}

	// Recovery publishes the registration that was only held locally.
	backend.SetAvailable(true)
	if _, err := svc.DiscoverService(ctx, "Parser"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		regs, err := backend.Lookup(ctx, "Exporter")
		return err == nil && len(regs) == 1
	})
	if svc.Mode() != discovery.ModeConnected {
		t.Errorf("%s - Mode = %q, want connected", serviceTestPrefix, svc.Mode())
	}
}

func TestService_LocalOnlyAndReconnect(t *testing.T) {
	svc, backend, pub := newService(t, discovery.Config{
		GraceWindow:       0,
		ReconnectInterval: 10 * time.Millisecond,
		CacheTTL:          time.Minute,
	})
	ctx := context.Background()

	backend.SetAvailable(false)
	reg, err := svc.RegisterService(ctx, leaf("Parser"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if svc.Mode() != discovery.ModeLocalOnly {
		t.Fatalf("%s - Mode = %q, want local_only", serviceTestPrefix, svc.Mode())
	}

	callsBefore := backend.Calls("lookup")
	regs, err := svc.DiscoverService(ctx, "Parser")
	if err != nil || len(regs) != 1 || regs[0].Health != component.HealthDegraded {
		t.Fatalf("%s - local-only discover = %+v, %v", serviceTestPrefix, regs, err)
	}
	if backend.Calls("lookup") != callsBefore {
		t.Errorf("%s - local-only mode must not call the backend", serviceTestPrefix)
	}

	backend.SetAvailable(true)
	waitFor(t, func() bool {
		stored, err := backend.Lookup(ctx, "Parser")
		return err == nil && len(stored) == 1 && stored[0].InstanceID == reg.InstanceID
	})
	waitFor(t, func() bool {
		modes := pub.OfKind(events.KindMode)
		return len(modes) >= 2 && modes[len(modes)-1].Mode == string(discovery.ModeConnected)
	})
	if svc.Mode() != discovery.ModeConnected {
		t.Errorf("%s - Mode = %q, want connected", serviceTestPrefix, svc.Mode())
	}
}

func TestService_DeregisterDuringOutageIsReplayed(t *testing.T) {
	svc, backend, _ := newService(t, discovery.Config{GraceWindow: 0, ReconnectInterval: 10 * time.Millisecond})
	ctx := context.Background()

	reg, err := svc.RegisterService(ctx, leaf("Parser"), nil)
	if err != nil {
		t.Fatal(err)
	}
	backend.SetAvailable(false)
	if err := svc.Deregister(ctx, reg.InstanceID); err != nil {
		t.Fatalf("%s - deregister during outage: %v", serviceTestPrefix, err)
	}
	if backend.Len() != 1 {
		t.Fatalf("%s - backend should still hold the instance during the outage", serviceTestPrefix)
	}
	backend.SetAvailable(true)
	waitFor(t, func() bool { return backend.Len() == 0 })
}

func TestService_StaleAlert(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend := memory.New()
	svc := discovery.NewService(discovery.ServiceParams{
		Backend: backend,
		Now:     clock.Now,
		Config: discovery.Config{
			GraceWindow:       0,
			ReconnectInterval: 5 * time.Millisecond,
			MaxLocalOnly:      time.Minute,
		},
	})
	defer svc.Close()

	backend.SetAvailable(false)
	if _, err := svc.RegisterService(context.Background(), leaf("Parser"), nil); err != nil {
		t.Fatal(err)
	}
	if svc.Status().StaleAlert {
		t.Fatalf("%s - stale alert raised too early", serviceTestPrefix)
	}
	clock.Advance(2 * time.Minute)
	waitFor(t, func() bool { return svc.Status().StaleAlert })

	backend.SetAvailable(true)
	waitFor(t, func() bool { return !svc.Status().StaleAlert && svc.Mode() == discovery.ModeConnected })
}

func TestService_UpdateHealth(t *testing.T) {
	svc, backend, pub := newService(t, discovery.Config{CacheTTL: time.Minute})
	ctx := context.Background()
	reg, err := svc.RegisterService(ctx, leaf("Parser"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateHealth(ctx, reg.InstanceID, component.HealthUnreachable); err != nil {
		t.Fatal(err)
	}
	if h, _ := backend.HealthOf(ctx, "Parser"); h != component.HealthUnreachable {
		t.Errorf("%s - backend health = %q, want unreachable", serviceTestPrefix, h)
	}
	local := svc.Registrations("Parser")
	if len(local) != 1 || local[0].Health != component.HealthUnreachable {
		t.Errorf("%s - local view = %+v", serviceTestPrefix, local)
	}
	if len(pub.OfKind(events.KindHealth)) != 1 {
		t.Errorf("%s - expected one health event", serviceTestPrefix)
	}
}

func TestService_DiscoverByCapability(t *testing.T) {
	svc, _, _ := newService(t, discovery.Config{})
	ctx := context.Background()
	d := component.Descriptor{Name: "Insights", Tier: component.TierOrchestrator, StartupPolicy: component.PolicyLazy, Capabilities: []string{"analyze"}}
	if _, err := svc.Register(ctx, discovery.RegisterInput{Descriptor: d}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, discovery.RegisterInput{
		Descriptor: leaf("Summarizer"),
		Manifest:   component.CapabilityManifest{Names: []string{"summarize"}},
	}); err != nil {
		t.Fatal(err)
	}

	for tag, want := range map[string]string{"analyze": "Insights", "summarize": "Summarizer"} {
		regs, err := svc.DiscoverByCapability(ctx, tag)
		if err != nil {
			t.Fatalf("%s - %s: %v", serviceTestPrefix, tag, err)
		}
		if len(regs) != 1 || regs[0].Name() != want {
			t.Errorf("%s - DiscoverByCapability(%s) = %+v", serviceTestPrefix, tag, regs)
		}
	}
}

func TestService_ConcurrentRegistrations(t *testing.T) {
	svc, backend, _ := newService(t, discovery.Config{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(ctx, discovery.RegisterInput{Descriptor: leaf(fmt.Sprintf("L%d", i%4)), InstanceID: fmt.Sprintf("i-%d", i)})
			if err != nil {
				t.Errorf("%s - register: %v", serviceTestPrefix, err)
			}
		}(i)
	}
	wg.Wait()
	if backend.Len() != 20 {
		t.Errorf("%s - backend has %d registrations, want 20", serviceTestPrefix, backend.Len())
	}
	if st := svc.Status(); st.LocalRegistrations != 20 || st.CacheEntries != 4 {
		t.Errorf("%s - status = %+v", serviceTestPrefix, st)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s - condition not met before deadline", serviceTestPrefix)
}
