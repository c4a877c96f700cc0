package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/component-mesh/pkg/component"
)

const probeLogPrefix = "orchestrator:probe"

func (o *Orchestrator) probeLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HealthProbeInterval)
			o.ProbeHealth(ctx)
			cancel()
		}
	}
}

// ProbeHealth asks every live HealthReporter for its health. Changes are pushed to
// discovery and reflected in the component's state. An unreachable component is shut
// down and marked failed; the next access rebuilds it once the retry backoff allows.
func (o *Orchestrator) ProbeHealth(ctx context.Context) {
	type target struct {
		name     string
		reporter component.HealthReporter
		prev     component.Health
	}

	o.mu.RLock()
	var targets []target
	for name, e := range o.entries {
		if !e.state.Live() {
			continue
		}
		if r, ok := e.instance.(component.HealthReporter); ok {
			targets = append(targets, target{name: name, reporter: r, prev: e.health})
		}
	}
	o.mu.RUnlock()

	changed := false
	for _, t := range targets {
		h := t.reporter.HealthCheck(ctx)
		if !h.Valid() {
			h = component.HealthUnreachable
		}
		if h == t.prev {
			continue
		}
		if err := o.curator.UpdateHealth(ctx, t.name, h); err != nil {
			slog.Warn(fmt.Sprintf("%s - update health %s: %v", probeLogPrefix, t.name, err))
		}

		var retired component.Instance
		o.mu.Lock()
		if e := o.entries[t.name]; e.state.Live() {
			e.health = h
			switch h {
			case component.HealthHealthy:
				o.setStateLocked(e, StateRegistered)
			case component.HealthUnreachable:
				// Failed sends the next access through construct and its retry limiter.
				retired = e.instance
				e.instance = nil
				e.lastErr = fmt.Errorf("%w: health check", ErrUnreachable)
				o.setStateLocked(e, StateFailed)
				o.dropBuiltLocked(t.name)
			default:
				o.setStateLocked(e, StateDegraded)
			}
			changed = true
		}
		o.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - %s health %s -> %s", probeLogPrefix, t.name, t.prev, h))

		if retired != nil {
			shutdownQuietly(ctx, retired)
			slog.Warn(fmt.Sprintf("%s - %s is unreachable, instance discarded; rebuilt on next use", probeLogPrefix, t.name))
		}
	}
	if changed {
		o.reportStates()
	}
}

// dropBuiltLocked removes name from the shutdown order. Caller holds o.mu.
func (o *Orchestrator) dropBuiltLocked(name string) {
	for i, n := range o.built {
		if n == name {
			o.built = append(o.built[:i], o.built[i+1:]...)
			return
		}
	}
}
