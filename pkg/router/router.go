package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/metrics"
)

const logPrefix = "router:router"

// DefaultTimeout bounds a routed request when neither the router nor the endpoint
// sets one.
const DefaultTimeout = 30 * time.Second

// NewRouterParams holds parameters for NewRouter.
type NewRouterParams struct {
	Curator *curator.Curator
	Routes  *Routes
	// Remote forwards requests whose owner lives in another process. Optional.
	Remote  RemoteInvoker
	Metrics *metrics.Metrics
	Timeout time.Duration
	Now     func() time.Time
}

// Router validates, discovers and dispatches routed requests.
type Router struct {
	curator *curator.Curator
	routes  *Routes
	remote  RemoteInvoker
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewRouter creates a Router.
func NewRouter(params NewRouterParams) *Router {
	routes := params.Routes
	if routes == nil {
		routes, _ = NewRoutes()
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		curator: params.Curator,
		routes:  routes,
		remote:  params.Remote,
		metrics: params.Metrics,
		timeout: timeout,
		now:     now,
	}
}

type localOnlyKey struct{}

// WithoutRemote marks ctx so that Route only uses components of this process. Transports
// set it on requests forwarded from another process.
func WithoutRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, localOnlyKey{}, true)
}

func (r *Router) remoteFor(ctx context.Context) RemoteInvoker {
	if localOnly, _ := ctx.Value(localOnlyKey{}).(bool); localOnly {
		return nil
	}
	return r.remote
}

// Routes returns the endpoint table.
func (r *Router) Routes() *Routes {
	return r.routes
}

// Route handles one request. It never panics and never returns a partially filled
// response: every failure maps to an ErrorKind.
func (r *Router) Route(ctx context.Context, req RoutedRequest) (resp RoutedResponse) {
	start := r.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	endpoint := NormalizeEndpoint(req.Endpoint)
	label := "unknown"

	defer func() {
		if p := recover(); p != nil {
			slog.Error(fmt.Sprintf("%s - panic routing %s (%s): %v\n%s", logPrefix, endpoint, req.RequestID, p, debug.Stack()))
			resp = r.failure(req.RequestID, KindInternalError, "internal error")
		}
		outcome := "ok"
		if !resp.Success {
			outcome = string(resp.ErrorKind)
		}
		r.metrics.Route(label, outcome, r.now().Sub(start))
	}()

	schema, ok := r.routes.Lookup(endpoint)
	if !ok {
		return r.failure(req.RequestID, KindNotFound, fmt.Sprintf("unknown endpoint %q", endpoint))
	}
	label = schema.Endpoint

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "POST"
	}
	if !schema.AllowsMethod(method) {
		return r.failure(req.RequestID, KindInvalidRequest,
			fmt.Sprintf("method %s not allowed for %s (allowed: %s)", method, schema.Endpoint, strings.Join(schema.Methods, ", ")))
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return r.failure(req.RequestID, KindInvalidRequest, err.Error())
	}

	timeout := r.timeout
	if schema.TimeoutMs > 0 {
		timeout = time.Duration(schema.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, ephemeral, kind, msg := r.resolve(ctx, schema)
	if kind != "" {
		return r.failure(req.RequestID, kind, msg)
	}

	hreq := HandlerRequest{
		RequestID: req.RequestID,
		Endpoint:  schema.Endpoint,
		Operation: schema.Operation,
		Method:    method,
		Params:    params,
		Headers:   req.Headers,
		Caller:    req.CallerIdentity,
	}
	var result map[string]any
	var err error
	if ephemeral != "" {
		target.Name = ephemeral
		result, err = r.invokeEphemeral(ctx, ephemeral, hreq)
	} else {
		result, err = r.invoke(ctx, target, hreq)
	}
	if err != nil {
		kind, msg := r.classify(ctx, schema.Endpoint, req.RequestID, err)
		return r.failure(req.RequestID, kind, msg)
	}

	slog.Debug(fmt.Sprintf("%s - %s %s -> %s (%s) in %s", logPrefix, method, schema.Endpoint, target.Name, req.RequestID, r.now().Sub(start)))
	return RoutedResponse{
		RequestID:   req.RequestID,
		Success:     true,
		Payload:     result,
		GeneratedAt: r.now().UTC(),
	}
}

// resolve finds the owner of the endpoint. An ephemeral owner is returned by name and
// built per request. A non-empty kind reports failure.
func (r *Router) resolve(ctx context.Context, schema EndpointSchema) (curator.Handle, string, ErrorKind, string) {
	if schema.Component != "" {
		if name, ok := r.curator.EphemeralOwner(schema.Component, ""); ok {
			return curator.Handle{}, name, "", ""
		}
		h, err := r.curator.Discover(ctx, schema.Component)
		if err == nil || errors.Is(err, curator.ErrBackendDegraded) {
			return h, "", "", ""
		}
		kind, msg := r.discoveryFailure(ctx, schema.Component, err)
		return curator.Handle{}, "", kind, msg
	}

	ephemeral, hasEphemeral := r.curator.EphemeralOwner("", schema.Capability)
	handles, err := r.curator.DiscoverByCapability(ctx, schema.Capability)
	if err != nil && !errors.Is(err, curator.ErrBackendDegraded) {
		if hasEphemeral && errors.Is(err, curator.ErrNotFound) {
			return curator.Handle{}, ephemeral, "", ""
		}
		kind, msg := r.discoveryFailure(ctx, "capability "+schema.Capability, err)
		return curator.Handle{}, "", kind, msg
	}
	for _, h := range handles {
		if _, ok := h.Instance.(RequestHandler); ok {
			return h, "", "", ""
		}
	}
	if hasEphemeral {
		return curator.Handle{}, ephemeral, "", ""
	}
	if r.remoteFor(ctx) != nil {
		for _, h := range handles {
			if !h.Local() {
				return h, "", "", ""
			}
		}
	}
	return curator.Handle{}, "", KindServiceUnavailable, fmt.Sprintf("no component can serve capability %s", schema.Capability)
}

// invokeEphemeral builds a fresh instance of name, serves req with it and lets it go.
// Construction failures are reported like discovery failures.
func (r *Router) invokeEphemeral(ctx context.Context, name string, req HandlerRequest) (map[string]any, error) {
	var result map[string]any
	ran := false
	err := r.curator.RunEphemeral(ctx, name, func(ctx context.Context, h curator.Handle) error {
		ran = true
		var err error
		result, err = r.invoke(ctx, h, req)
		return err
	})
	if err != nil && !ran {
		kind, msg := r.discoveryFailure(ctx, name, err)
		return nil, NewError(kind, msg)
	}
	return result, err
}

func (r *Router) discoveryFailure(ctx context.Context, what string, err error) (ErrorKind, string) {
	switch {
	case ctx.Err() != nil:
		return KindTimeout, fmt.Sprintf("timed out discovering %s", what)
	case errors.Is(err, curator.ErrConstructionFailed):
		slog.Warn(fmt.Sprintf("%s - %s unavailable: %v", logPrefix, what, err))
		if missing := curator.MissingDependencies(err); len(missing) > 0 {
			return KindServiceUnavailable, fmt.Sprintf("%s unavailable: missing dependencies %s", what, strings.Join(missing, ", "))
		}
		return KindServiceUnavailable, fmt.Sprintf("%s unavailable", what)
	case errors.Is(err, curator.ErrNotFound):
		return KindNotFound, fmt.Sprintf("%s not found", what)
	default:
		slog.Warn(fmt.Sprintf("%s - discover %s: %v", logPrefix, what, err))
		return KindServiceUnavailable, fmt.Sprintf("%s unavailable", what)
	}
}

// invoke calls the target and gives up when ctx ends; the handler is left to observe
// the cancelled context.
func (r *Router) invoke(ctx context.Context, target curator.Handle, req HandlerRequest) (map[string]any, error) {
	remote := r.remoteFor(ctx)
	var call func(context.Context) (map[string]any, error)
	switch {
	case target.Instance != nil:
		h, ok := target.Instance.(RequestHandler)
		if !ok {
			return nil, NewError(KindServiceUnavailable, fmt.Sprintf("%s does not serve requests", target.Name))
		}
		call = func(c context.Context) (map[string]any, error) { return h.HandleRequest(c, req) }
	case remote != nil:
		call = func(c context.Context) (map[string]any, error) { return remote.Invoke(c, target, req) }
	default:
		return nil, NewError(KindServiceUnavailable, fmt.Sprintf("%s is not served by this process", target.Name))
	}

	type result struct {
		payload map[string]any
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error(fmt.Sprintf("%s - handler %s panicked (%s): %v\n%s", logPrefix, target.Name, req.RequestID, p, debug.Stack()))
				ch <- result{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		payload, err := call(ctx)
		ch <- result{payload, err}
	}()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) classify(ctx context.Context, endpoint, requestID string, err error) (ErrorKind, string) {
	var routed *Error
	switch {
	case errors.As(err, &routed):
		return routed.Kind, routed.Message
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return KindTimeout, fmt.Sprintf("%s did not answer in time", endpoint)
	default:
		slog.Error(fmt.Sprintf("%s - handler for %s failed (%s): %v", logPrefix, endpoint, requestID, err))
		return KindInternalError, "internal error"
	}
}

func (r *Router) failure(requestID string, kind ErrorKind, message string) RoutedResponse {
	return RoutedResponse{
		RequestID:   requestID,
		Success:     false,
		ErrorKind:   kind,
		Message:     message,
		GeneratedAt: r.now().UTC(),
	}
}
