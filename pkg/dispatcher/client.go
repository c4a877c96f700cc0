package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-mesh/pkg/commsutil"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/router"
)

const clientLogPrefix = "dispatcher:client"

// EndpointScheme prefixes registration endpoints that are reachable over COMMS, as in
// "nats://mesh.route".
const EndpointScheme = "nats://"

// ErrNoCommsEndpoint is returned when a registration advertises no COMMS endpoint.
var ErrNoCommsEndpoint = errors.New("registration has no COMMS endpoint")

// Client sends route requests over COMMS. It implements router.RemoteInvoker.
type Client struct {
	nc      *comms.Conn
	subject string
	timeout time.Duration
}

// NewClient creates a Client. Subject is used by Route; Invoke uses the target's own
// endpoint.
func NewClient(nc *comms.Conn, subject string, timeout time.Duration) *Client {
	if subject == "" {
		subject = commsutil.SubjectRoute
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{nc: nc, subject: subject, timeout: timeout}
}

// Route sends req to whichever process serves the route subject.
func (c *Client) Route(ctx context.Context, req router.RoutedRequest) (router.RoutedResponse, error) {
	env, err := envelope(req, false)
	if err != nil {
		return router.RoutedResponse{}, err
	}
	resp, err := c.request(ctx, c.subject, env)
	if err != nil {
		return router.RoutedResponse{}, err
	}
	out := router.RoutedResponse{
		RequestID: resp.ID,
		Success:   resp.Ok,
		Payload:   resp.Result,
	}
	if ts, err := time.Parse(time.RFC3339Nano, resp.GeneratedAt); err == nil {
		out.GeneratedAt = ts
	}
	if resp.Error != nil {
		out.ErrorKind = kindFor(resp.Error.Code)
		out.Message = resp.Error.Message
	}
	return out, nil
}

// Invoke forwards a validated request to the process that registered target.
func (c *Client) Invoke(ctx context.Context, target curator.Handle, req router.HandlerRequest) (map[string]any, error) {
	subject := ""
	for _, ep := range target.Registration.Endpoints {
		if strings.HasPrefix(ep, EndpointScheme) {
			subject = strings.TrimPrefix(ep, EndpointScheme)
			break
		}
	}
	if subject == "" {
		return nil, router.NewError(router.KindServiceUnavailable,
			fmt.Sprintf("%s (%s): %v", target.Name, target.InstanceID, ErrNoCommsEndpoint))
	}

	env, err := envelope(router.RoutedRequest{
		RequestID:      req.RequestID,
		Endpoint:       req.Endpoint,
		Method:         req.Method,
		Params:         req.Params,
		Headers:        req.Headers,
		CallerIdentity: req.Caller,
	}, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, subject, env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, router.NewError(router.KindServiceUnavailable, fmt.Sprintf("%s unreachable", target.Name))
	}
	if !resp.Ok {
		if resp.Error == nil {
			return nil, router.NewError(router.KindInternalError, "internal error")
		}
		return nil, router.NewError(kindFor(resp.Error.Code), resp.Error.Message)
	}
	return resp.Result, nil
}

func envelope(req router.RoutedRequest, forwarded bool) (*RouteRequest, error) {
	env := &RouteRequest{
		ID:       req.RequestID,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Headers:  req.Headers,
	}
	if req.Params != nil {
		raw, err := json.Marshal(req.Params)
		if err != nil {
			return nil, fmt.Errorf("%s - encode params: %w", clientLogPrefix, err)
		}
		env.Params = raw
	}
	if req.CallerIdentity != nil || forwarded {
		env.Ctx = &InvocationContext{Forwarded: forwarded}
		if req.CallerIdentity != nil {
			env.Ctx.UserID = req.CallerIdentity.UserID
			env.Ctx.TenantID = req.CallerIdentity.TenantID
		}
	}
	return env, nil
}

func (c *Client) request(ctx context.Context, subject string, env *RouteRequest) (*RouteResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		if env.Ctx == nil {
			env.Ctx = &InvocationContext{}
		}
		env.Ctx.DeadlineMs = int(time.Until(deadline).Milliseconds())
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s - encode request: %w", clientLogPrefix, err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s - request %s: %w", clientLogPrefix, subject, err)
	}
	resp, err := commsutil.Decode[RouteResponse](msg.Data)
	if err != nil {
		return nil, fmt.Errorf("%s - decode reply: %w", clientLogPrefix, err)
	}
	return &resp, nil
}
