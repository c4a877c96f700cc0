package registry

import (
	"context"
	"time"

	"github.com/morezero/component-mesh/pkg/discovery"
)

// HealthOutput holds the result of a health check.
type HealthOutput struct {
	Status    string           `json:"status"`
	Checks    HealthChecks     `json:"checks"`
	Discovery discovery.Status `json:"discovery"`
	Timestamp string           `json:"timestamp"`
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	Backend bool  `json:"backend"`
	COMMS   *bool `json:"comms,omitempty"`
}

// Health reports "healthy" when the backend answers and discovery is connected,
// "degraded" while discovery runs on cache or local state, and "unhealthy" when the
// transport is down.
func (r *Registry) Health(ctx context.Context) *HealthOutput {
	pingCtx, cancel := context.WithTimeout(ctx, r.config.HealthTimeout)
	defer cancel()
	backendOk := r.service.Ping(pingCtx) == nil

	out := &HealthOutput{
		Checks:    HealthChecks{Backend: backendOk},
		Discovery: r.service.Status(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	commsOk := true
	if r.commsConnected != nil {
		commsOk = r.commsConnected()
		out.Checks.COMMS = &commsOk
	}

	switch {
	case !commsOk:
		out.Status = "unhealthy"
	case !backendOk || out.Discovery.Mode != discovery.ModeConnected:
		out.Status = "degraded"
	default:
		out.Status = "healthy"
	}
	return out
}
