package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/dependency"
	"github.com/morezero/component-mesh/pkg/events"
	"github.com/morezero/component-mesh/pkg/metrics"
)

const logPrefix = "discovery:service"

// Config tunes the discovery service.
type Config struct {
	// CacheTTL is how long a cached lookup is served without asking the backend.
	CacheTTL time.Duration
	// GraceWindow is how long the backend may fail continuously before local-only mode.
	GraceWindow time.Duration
	// ReconnectInterval is the ping period while in local-only mode.
	ReconnectInterval time.Duration
	// MaxLocalOnly raises the stale alert once local-only mode lasts longer. Zero disables it.
	MaxLocalOnly time.Duration
	// BackendTimeout bounds every backend call.
	BackendTimeout time.Duration
	// HeartbeatInterval re-asserts local registrations so TTL-based backends keep them.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:          5 * time.Second,
		GraceWindow:       10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		MaxLocalOnly:      10 * time.Minute,
		BackendTimeout:    2 * time.Second,
	}
}

// ServiceParams holds parameters for NewService.
type ServiceParams struct {
	Backend   Backend
	Publisher events.EventPublisher
	Metrics   *metrics.Metrics
	Config    Config
	// Now overrides the clock (tests).
	Now func() time.Time
}

type localEntry struct {
	reg      component.Registration
	meta     map[string]string
	reported component.Health
}

// Service implements Protocol on top of one Backend. It validates descriptors, keeps a
// cache, tracks every registration made through it, and switches to local-only mode
// when the backend stays unreachable past the grace window.
type Service struct {
	backend   Backend
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	cfg       Config
	cache     *Cache
	now       func() time.Time

	mu           sync.Mutex
	graph        *dependency.Graph
	local        map[string]*localEntry
	tombstones   map[string]bool
	unpublished  map[string]bool
	republishing bool
	mode         Mode
	since        time.Time
	failingSince time.Time
	staleAlert   bool
	lastErr      string
	reconnecting bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewService creates a Service. Backend is required.
func NewService(params ServiceParams) *Service {
	cfg := params.Config
	def := DefaultConfig()
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	cache := NewCache(cfg.CacheTTL)
	cache.now = now

	s := &Service{
		backend:     params.Backend,
		publisher:   pub,
		metrics:     params.Metrics,
		cfg:         cfg,
		cache:       cache,
		now:         now,
		graph:       dependency.NewGraph(),
		local:       make(map[string]*localEntry),
		tombstones:  make(map[string]bool),
		unpublished: make(map[string]bool),
		mode:        ModeConnected,
		since:       now(),
		stop:        make(chan struct{}),
	}
	s.metrics.SetMode(string(ModeConnected), allModes...)

	if cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	return s
}

// Register validates the descriptor against every descriptor seen so far (cycles, tier
// ordering, name conflicts) and registers the instance. When the backend cannot be
// reached the registration is kept locally with Degraded health and no error is returned.
func (s *Service) Register(ctx context.Context, in RegisterInput) (component.Registration, error) {
	desc := in.Descriptor.Normalize()
	s.mu.Lock()
	err := s.graph.Add(desc)
	s.mu.Unlock()
	if err != nil {
		return component.Registration{}, fmt.Errorf("%s - register %s: %w", logPrefix, desc.Name, err)
	}

	instanceID := in.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	meta := ManifestMeta(in.Manifest)

	var reg component.Registration
	err = s.call(ctx, "register", func(cctx context.Context) error {
		r, err := s.backend.Register(cctx, desc, instanceID, in.Endpoints, meta)
		reg = r
		return err
	})
	local := false
	if err != nil {
		if !errors.Is(err, ErrBackendUnavailable) {
			return component.Registration{}, err
		}
		local = true
		reg = NewRegistration(desc, instanceID, in.Endpoints, meta, s.now())
		reg.Health = component.HealthDegraded
		slog.Warn(fmt.Sprintf("%s - backend unavailable, %s (%s) registered locally", logPrefix, desc.Name, instanceID))
	}

	s.mu.Lock()
	if prev, ok := s.local[instanceID]; ok && local {
		reg.RegisteredAt = prev.reg.RegisteredAt
	}
	s.local[instanceID] = &localEntry{reg: reg, meta: meta, reported: component.HealthHealthy}
	delete(s.tombstones, instanceID)
	if local {
		s.unpublished[instanceID] = true
	} else {
		delete(s.unpublished, instanceID)
	}
	raced := local && s.mode == ModeConnected
	s.mu.Unlock()

	s.cache.Upsert(reg)
	s.metrics.SetCacheEntries(s.cache.Len())
	if raced {
		// The backend came back between the failed call and now.
		s.scheduleRepublish()
	}

	s.publish(ctx, &events.MeshChangedEvent{
		Kind:         events.KindRegistered,
		Component:    desc.Name,
		InstanceID:   instanceID,
		Tier:         string(desc.Tier),
		Health:       string(reg.Health),
		Capabilities: desc.Capabilities,
	})
	slog.Debug(fmt.Sprintf("%s - Registered %s (%s) health=%s", logPrefix, desc.Name, instanceID, reg.Health))
	return reg, nil
}

// RegisterService registers desc under a fresh instance ID.
func (s *Service) RegisterService(ctx context.Context, desc component.Descriptor, endpoints []string) (component.Registration, error) {
	return s.Register(ctx, RegisterInput{Descriptor: desc, Endpoints: endpoints})
}

// Discover is DiscoverService.
func (s *Service) Discover(ctx context.Context, name string) ([]component.Registration, error) {
	return s.DiscoverService(ctx, name)
}

// DiscoverService returns the registrations of name. Fresh cache entries are served
// directly while connected; otherwise the backend is asked and the cache updated. When
// the backend is unreachable, the last known registrations are served marked Degraded.
func (s *Service) DiscoverService(ctx context.Context, name string) ([]component.Registration, error) {
	if regs, fresh, ok := s.cache.Get(name); ok && fresh && s.Mode() == ModeConnected {
		return regs, nil
	}

	var regs []component.Registration
	err := s.call(ctx, "lookup", func(cctx context.Context) error {
		r, err := s.backend.Lookup(cctx, name)
		regs = r
		return err
	})
	if err == nil {
		s.cache.Replace(name, regs)
		s.metrics.SetCacheEntries(s.cache.Len())
		if len(regs) == 0 {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, name, ErrNotFound)
		}
		SortRegistrations(regs)
		return regs, nil
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		return nil, err
	}

	regs = s.degradedView(name)
	if len(regs) == 0 {
		return nil, fmt.Errorf("%s - %s (backend unavailable, nothing cached): %w", logPrefix, name, ErrNotFound)
	}
	return regs, nil
}

// DiscoverByCapability scans cached and freshly listed registrations for tag.
func (s *Service) DiscoverByCapability(ctx context.Context, tag string) ([]component.Registration, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []component.Registration
	for _, r := range all {
		if r.HasCapability(tag) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s - capability %q: %w", logPrefix, tag, ErrNotFound)
	}
	return out, nil
}

// ListAll returns every known registration. While the backend is unreachable the
// cached and local registrations are returned marked Degraded.
func (s *Service) ListAll(ctx context.Context) ([]component.Registration, error) {
	var listed []component.Registration
	err := s.call(ctx, "list", func(cctx context.Context) error {
		r, err := s.backend.List(cctx)
		listed = r
		return err
	})
	if err == nil {
		s.cache.Sync(listed)
		s.metrics.SetCacheEntries(s.cache.Len())
		out := append([]component.Registration(nil), listed...)
		SortRegistrations(out)
		return out, nil
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		return nil, err
	}

	merged := make(map[string]component.Registration)
	for _, r := range s.cache.All() {
		merged[r.InstanceID] = r
	}
	s.mu.Lock()
	for id, e := range s.local {
		merged[id] = e.reg
	}
	s.mu.Unlock()
	out := make([]component.Registration, 0, len(merged))
	for _, r := range merged {
		out = append(out, r.WithHealth(r.Health.Worse(component.HealthDegraded)))
	}
	SortRegistrations(out)
	return out, nil
}

// Deregister removes an instance. While the backend is unreachable the removal is
// remembered and replayed on reconnect.
func (s *Service) Deregister(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	entry := s.local[instanceID]
	delete(s.local, instanceID)
	s.mu.Unlock()
	name, _ := s.cache.RemoveInstance(instanceID)
	if name == "" && entry != nil {
		name = entry.reg.Name()
	}
	s.metrics.SetCacheEntries(s.cache.Len())

	err := s.call(ctx, "deregister", func(cctx context.Context) error {
		return s.backend.Deregister(cctx, instanceID)
	})
	if err != nil {
		if !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		s.mu.Lock()
		s.tombstones[instanceID] = true
		s.mu.Unlock()
	}

	s.publish(ctx, &events.MeshChangedEvent{Kind: events.KindDeregistered, Component: name, InstanceID: instanceID})
	slog.Debug(fmt.Sprintf("%s - Deregistered %s (%s)", logPrefix, name, instanceID))
	return nil
}

// HealthOf returns the best health across the instances of name.
func (s *Service) HealthOf(ctx context.Context, name string) (component.Health, error) {
	var h component.Health
	err := s.call(ctx, "health", func(cctx context.Context) error {
		v, err := s.backend.HealthOf(cctx, name)
		h = v
		return err
	})
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		return "", err
	}
	best, err := BestHealth(s.degradedView(name))
	if err != nil {
		return "", fmt.Errorf("%s - %s: %w", logPrefix, name, ErrNotFound)
	}
	return best, nil
}

// UpdateHealth records a health probe result for an instance.
func (s *Service) UpdateHealth(ctx context.Context, instanceID string, health component.Health) error {
	now := s.now().UTC()
	var name string
	s.mu.Lock()
	effective := health
	if s.mode == ModeLocalOnly {
		effective = health.Worse(component.HealthDegraded)
	}
	if e, ok := s.local[instanceID]; ok {
		e.reported = health
		e.reg.Health = effective
		e.reg.UpdatedAt = now
		name = e.reg.Name()
	}
	s.mu.Unlock()
	s.cache.Update(instanceID, func(r *component.Registration) {
		r.Health = effective
		r.UpdatedAt = now
		name = r.Name()
	})

	err := s.call(ctx, "set_health", func(cctx context.Context) error {
		return s.backend.SetHealth(cctx, instanceID, health)
	})
	if err != nil && !errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	s.publish(ctx, &events.MeshChangedEvent{Kind: events.KindHealth, Component: name, InstanceID: instanceID, Health: string(effective)})
	return nil
}

// Registrations returns the cached and locally tracked registrations of name without
// calling the backend.
func (s *Service) Registrations(name string) []component.Registration {
	merged := make(map[string]component.Registration)
	if regs, _, ok := s.cache.Get(name); ok {
		for _, r := range regs {
			merged[r.InstanceID] = r
		}
	}
	s.mu.Lock()
	for id, e := range s.local {
		if e.reg.Name() == name {
			merged[id] = e.reg
		}
	}
	s.mu.Unlock()
	out := make([]component.Registration, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	SortRegistrations(out)
	return out
}

// Descriptor returns a descriptor seen by Register.
func (s *Service) Descriptor(name string) (component.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Get(name)
}

// Mode returns the current mode.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Mode:               s.mode,
		Since:              s.since,
		CacheEntries:       s.cache.Len(),
		LocalRegistrations: len(s.local),
		StaleAlert:         s.staleAlert,
		LastError:          s.lastErr,
	}
}

// Ping checks the backend directly, bypassing mode bookkeeping.
func (s *Service) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()
	return s.backend.Ping(cctx)
}

// Close stops background loops and closes the backend.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.backend.Close()
	})
	return err
}

func (s *Service) degradedView(name string) []component.Registration {
	regs := s.Registrations(name)
	for i := range regs {
		regs[i] = regs[i].WithHealth(regs[i].Health.Worse(component.HealthDegraded))
	}
	return regs
}

// call runs one backend operation with the backend timeout and keeps the mode
// bookkeeping. Unavailability and timeouts come back wrapping ErrBackendUnavailable.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.Mode() == ModeLocalOnly {
		return fmt.Errorf("%s - %s skipped in local-only mode: %w", logPrefix, op, ErrBackendUnavailable)
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()

	err := fn(cctx)
	switch {
	case err == nil:
		s.metrics.BackendCall(op, "ok")
		s.recordSuccess(ctx)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrNotFound):
		s.metrics.BackendCall(op, "ok")
		s.recordSuccess(ctx)
		return err
	case IsUnavailable(err):
		s.metrics.BackendCall(op, "unavailable")
		s.recordFailure(ctx, err)
		if !errors.Is(err, ErrBackendUnavailable) {
			err = Unavailable(op, err)
		}
		return fmt.Errorf("%s - %s: %w", logPrefix, op, err)
	default:
		s.metrics.BackendCall(op, "error")
		return fmt.Errorf("%s - %s: %w", logPrefix, op, err)
	}
}

func (s *Service) recordSuccess(ctx context.Context) {
	s.mu.Lock()
	s.failingSince = time.Time{}
	changed := s.mode == ModeDegraded
	if changed {
		s.mode = ModeConnected
		s.since = s.now()
		s.lastErr = ""
	}
	pending := len(s.unpublished) + len(s.tombstones)
	s.mu.Unlock()
	if changed {
		slog.Info(fmt.Sprintf("%s - Backend reachable again", logPrefix))
		s.modeChanged(ctx, ModeConnected)
	}
	if pending > 0 {
		s.scheduleRepublish()
	}
}

func (s *Service) recordFailure(ctx context.Context, cause error) {
	now := s.now()
	s.mu.Lock()
	s.lastErr = cause.Error()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	var next Mode
	if s.mode == ModeConnected {
		next = ModeDegraded
	}
	if s.mode != ModeLocalOnly && now.Sub(s.failingSince) >= s.cfg.GraceWindow {
		next = ModeLocalOnly
	}
	startLoop := false
	if next != "" {
		s.mode = next
		s.since = now
		if next == ModeLocalOnly && !s.reconnecting && !s.stoppingLocked() {
			s.reconnecting = true
			s.wg.Add(1)
			startLoop = true
		}
	}
	s.mu.Unlock()

	if next == "" {
		return
	}
	if next == ModeLocalOnly {
		slog.Warn(fmt.Sprintf("%s - Backend unreachable for %s, switching to local-only mode: %v", logPrefix, s.cfg.GraceWindow, cause))
	} else {
		slog.Warn(fmt.Sprintf("%s - Backend call failed, entering degraded mode: %v", logPrefix, cause))
	}
	s.modeChanged(ctx, next)
	if startLoop {
		go s.reconnectLoop()
	}
}

// stoppingLocked reports whether Close has started. Caller holds s.mu; Close closes
// s.stop under s.mu, so a wg.Add made while this returns false precedes wg.Wait.
func (s *Service) stoppingLocked() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Service) modeChanged(ctx context.Context, mode Mode) {
	s.metrics.SetMode(string(mode), allModes...)
	s.publish(ctx, &events.MeshChangedEvent{Kind: events.KindMode, Mode: string(mode)})
}

func (s *Service) publish(ctx context.Context, event *events.MeshChangedEvent) {
	if err := s.publisher.PublishChanged(ctx, event.Stamp()); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event: %v", logPrefix, event.Kind, err))
	}
}

func (s *Service) reconnectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.tryReconnect() {
			return
		}
		s.checkStaleness()
	}
}

func (s *Service) tryReconnect() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendTimeout)
	err := s.backend.Ping(ctx)
	cancel()
	if err != nil {
		s.metrics.BackendCall("ping", "unavailable")
		slog.Debug(fmt.Sprintf("%s - Reconnect attempt failed: %v", logPrefix, err))
		return false
	}
	s.metrics.BackendCall("ping", "ok")

	s.mu.Lock()
	s.mode = ModeConnected
	s.since = s.now()
	s.failingSince = time.Time{}
	s.staleAlert = false
	s.lastErr = ""
	s.reconnecting = false
	busy := s.republishing
	s.republishing = true
	s.mu.Unlock()

	if busy {
		slog.Info(fmt.Sprintf("%s - Backend reconnected, re-publish already in progress", logPrefix))
	} else {
		n := s.republish(context.Background(), false)
		s.mu.Lock()
		s.republishing = false
		s.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - Backend reconnected, re-published %d local registrations", logPrefix, n))
	}
	s.modeChanged(context.Background(), ModeConnected)
	return true
}

// scheduleRepublish starts a background republish of registrations that only exist
// locally, unless one is already running or the service is closing.
func (s *Service) scheduleRepublish() {
	s.mu.Lock()
	if s.stoppingLocked() || s.republishing || len(s.unpublished)+len(s.tombstones) == 0 {
		s.mu.Unlock()
		return
	}
	s.republishing = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		n := s.republish(context.Background(), true)
		s.mu.Lock()
		s.republishing = false
		s.mu.Unlock()
		if n > 0 {
			slog.Info(fmt.Sprintf("%s - Published %d registrations held locally", logPrefix, n))
		}
	}()
}

// republish pushes locally tracked registrations (all of them, or only those that never
// reached the backend) and pending removals. It stops at the first unavailability error.
func (s *Service) republish(ctx context.Context, pendingOnly bool) int {
	type pending struct {
		id    string
		entry localEntry
	}
	s.mu.Lock()
	items := make([]pending, 0, len(s.local))
	for id, e := range s.local {
		if pendingOnly && !s.unpublished[id] {
			continue
		}
		items = append(items, pending{id: id, entry: *e})
	}
	tombstones := make([]string, 0, len(s.tombstones))
	for id := range s.tombstones {
		tombstones = append(tombstones, id)
	}
	s.mu.Unlock()

	for _, id := range tombstones {
		if err := s.call(ctx, "deregister", func(cctx context.Context) error { return s.backend.Deregister(cctx, id) }); err != nil {
			return 0
		}
		s.mu.Lock()
		delete(s.tombstones, id)
		s.mu.Unlock()
	}

	n := 0
	for _, p := range items {
		var reg component.Registration
		err := s.call(ctx, "register", func(cctx context.Context) error {
			r, err := s.backend.Register(cctx, p.entry.reg.Descriptor, p.id, p.entry.reg.Endpoints, p.entry.meta)
			reg = r
			return err
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - re-publishing %s failed: %v", logPrefix, p.id, err))
			if errors.Is(err, ErrBackendUnavailable) {
				return n
			}
			continue
		}
		if p.entry.reported != component.HealthHealthy && p.entry.reported != "" {
			_ = s.call(ctx, "set_health", func(cctx context.Context) error {
				return s.backend.SetHealth(cctx, p.id, p.entry.reported)
			})
			reg.Health = p.entry.reported
		}

		s.mu.Lock()
		e, still := s.local[p.id]
		if still {
			reg.Health = e.reported
			e.reg = reg
		}
		delete(s.unpublished, p.id)
		s.mu.Unlock()
		if !still {
			// Deregistered while we were re-publishing.
			_ = s.call(ctx, "deregister", func(cctx context.Context) error { return s.backend.Deregister(cctx, p.id) })
			continue
		}
		s.cache.Upsert(reg)
		n++
	}
	return n
}

func (s *Service) checkStaleness() {
	if s.cfg.MaxLocalOnly <= 0 {
		return
	}
	s.mu.Lock()
	stale := s.mode == ModeLocalOnly && s.now().Sub(s.since) > s.cfg.MaxLocalOnly
	if stale {
		s.staleAlert = true
	}
	since := s.since
	s.mu.Unlock()
	if stale {
		slog.Error(fmt.Sprintf("%s - Local-only mode since %s exceeds %s; registrations are not visible outside this process",
			logPrefix, since.UTC().Format(time.RFC3339), s.cfg.MaxLocalOnly))
	}
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.Mode() == ModeLocalOnly {
			continue
		}
		s.mu.Lock()
		busy := s.republishing
		s.republishing = true
		s.mu.Unlock()
		if busy {
			continue
		}
		n := s.republish(context.Background(), false)
		s.mu.Lock()
		s.republishing = false
		s.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - Heartbeat refreshed %d registrations", logPrefix, n))
	}
}

var _ Protocol = (*Service)(nil)
