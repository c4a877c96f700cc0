package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gauged(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("metrics:metrics_test - gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchLabels(metric, labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range metric.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BackendCall("lookup", "ok")
	m.SetMode("connected")
	m.SetCacheEntries(3)
	m.Construction("leaf_service", true, time.Millisecond)
	m.SetComponentStates(map[string]int{"registered": 1})
	m.Route("/analyze", "success", time.Millisecond)
	if m.Registry() != nil {
		t.Error("metrics:metrics_test - nil metrics should have nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.BackendCall("register", "ok")
	m.BackendCall("register", "ok")
	m.BackendCall("lookup", "unavailable")

	if got := gauged(t, m, "mesh_discovery_backend_calls_total", map[string]string{"op": "register", "result": "ok"}); got != 2 {
		t.Errorf("metrics:metrics_test - register/ok = %v, want 2", got)
	}

	m.SetMode("local_only", "connected", "degraded", "local_only")
	if got := gauged(t, m, "mesh_discovery_mode", map[string]string{"mode": "connected"}); got != 0 {
		t.Errorf("metrics:metrics_test - connected = %v, want 0", got)
	}
	if got := gauged(t, m, "mesh_discovery_mode", map[string]string{"mode": "local_only"}); got != 1 {
		t.Errorf("metrics:metrics_test - local_only = %v, want 1", got)
	}

	m.SetComponentStates(map[string]int{"registered": 4, "failed": 1})
	m.SetComponentStates(map[string]int{"registered": 5})
	if got := gauged(t, m, "mesh_orchestrator_components", map[string]string{"state": "failed"}); got != -1 {
		t.Errorf("metrics:metrics_test - failed state should be reset, got %v", got)
	}
	if got := gauged(t, m, "mesh_orchestrator_components", map[string]string{"state": "registered"}); got != 5 {
		t.Errorf("metrics:metrics_test - registered = %v, want 5", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Route("/analyze", "success", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics:metrics_test - status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mesh_router_requests_total") {
		t.Error("metrics:metrics_test - exposition missing mesh_router_requests_total")
	}
}
