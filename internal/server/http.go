package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/router"
)

const httpLogPrefix = "server:http"

// maxBodyBytes bounds a routed request body.
const maxBodyBytes = 4 << 20

// Handler returns the HTTP surface of the process.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/api/", s.handleRoute)
	mux.HandleFunc("/components", s.handleComponents)
	mux.HandleFunc("GET /components/{name}", s.handleDescribe)
	mux.HandleFunc("/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("/docs", s.handleDocs())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// handleRoute maps /api/{endpoint} onto Router.Route. Identity comes from X-User-Id and
// X-Tenant-Id; params come from the JSON body, or from the query string when there is
// no body.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/api/")

	params, err := requestParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, router.RoutedResponse{
			RequestID: r.Header.Get("X-Request-Id"),
			ErrorKind: router.KindInvalidRequest,
			Message:   err.Error(),
		})
		return
	}

	req := router.RoutedRequest{
		RequestID: r.Header.Get("X-Request-Id"),
		Endpoint:  endpoint,
		Method:    r.Method,
		Params:    params,
		Headers:   make(map[string]string, len(r.Header)),
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			req.Headers[k] = v[0]
		}
	}
	if user, tenant := r.Header.Get("X-User-Id"), r.Header.Get("X-Tenant-Id"); user != "" || tenant != "" {
		req.CallerIdentity = &router.CallerIdentity{UserID: user, TenantID: tenant}
	}

	resp := s.router.Route(r.Context(), req)
	w.Header().Set("X-Request-Id", resp.RequestID)
	writeJSON(w, statusFor(resp), resp)
}

func requestParams(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return queryParams(r.URL.Query()), nil
	}

	params := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return params, nil
}

// queryParams converts query values: numbers and booleans are typed, repeated keys
// become arrays.
func queryParams(values url.Values) map[string]any {
	params := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			params[k] = queryValue(vs[0])
			continue
		}
		arr := make([]any, len(vs))
		for i, v := range vs {
			arr[i] = queryValue(v)
		}
		params[k] = arr
	}
	return params
}

func queryValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return v
}

func statusFor(resp router.RoutedResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorKind {
	case router.KindInvalidRequest:
		return http.StatusBadRequest
	case router.KindNotFound:
		return http.StatusNotFound
	case router.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case router.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type componentsOutput struct {
	Components    []orchestrator.ComponentStatus `json:"components"`
	Registrations []component.Registration       `json:"registrations"`
	Error         string                         `json:"error,omitempty"`
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	out := componentsOutput{Components: s.orch.Components()}
	regs, err := s.reg.GetDiscoveryService().ListAll(ctx)
	if err != nil {
		out.Error = err.Error()
	}
	out.Registrations = regs
	writeJSON(w, http.StatusOK, out)
}

type describeOutput struct {
	Name          string                        `json:"name"`
	Status        *orchestrator.ComponentStatus `json:"status,omitempty"`
	Operations    []string                      `json:"operations,omitempty"`
	Majors        []int                         `json:"majors,omitempty"`
	Registrations []component.Registration      `json:"registrations"`
}

// handleDescribe reports one component: its lifecycle status when this process defines
// it, the operations it advertises, the major versions registered and every registration.
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	out := describeOutput{Name: name}
	for _, c := range s.orch.Components() {
		if c.Name == name {
			status := c
			out.Status = &status
			break
		}
	}
	regs, err := s.reg.GetDiscoveryService().Discover(ctx, name)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - describe %s: %v", httpLogPrefix, name, err))
	}
	out.Registrations = regs
	if out.Status == nil && len(regs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("component %s not found", name)})
		return
	}
	if len(regs) > 0 {
		if ops, err := s.cur.ListSOAOperations(ctx, name); err == nil {
			out.Operations = ops
		}
		if majors, err := s.cur.Majors(ctx, name); err == nil {
			out.Majors = majors
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.reg.Health(ctx)
	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}
