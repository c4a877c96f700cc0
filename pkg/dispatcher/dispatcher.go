package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/component-mesh/pkg/router"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher turns COMMS envelopes into routed requests.
type Dispatcher struct {
	router *router.Router
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(r *router.Router) *Dispatcher {
	return &Dispatcher{router: r}
}

// Dispatch routes one envelope and returns its reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req *RouteRequest) *RouteResponse {
	slog.Debug(fmt.Sprintf("%s - endpoint=%s method=%s id=%s", logPrefix, req.Endpoint, req.Method, req.ID))

	routed, err := toRoutedRequest(req)
	if err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, err.Error(), false)
	}
	if req.Ctx != nil && req.Ctx.Forwarded {
		ctx = router.WithoutRemote(ctx)
	}

	resp := d.router.Route(ctx, routed)
	return fromRoutedResponse(req.ID, resp)
}

func toRoutedRequest(req *RouteRequest) (router.RoutedRequest, error) {
	out := router.RoutedRequest{
		RequestID: req.ID,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Headers:   req.Headers,
	}
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &out.Params); err != nil {
			return router.RoutedRequest{}, fmt.Errorf("params must be a JSON object")
		}
	}
	if c := req.Ctx; c != nil {
		if c.RequestID != "" && out.RequestID == "" {
			out.RequestID = c.RequestID
		}
		if c.UserID != "" || c.TenantID != "" {
			out.CallerIdentity = &router.CallerIdentity{UserID: c.UserID, TenantID: c.TenantID}
		}
	}
	return out, nil
}

func fromRoutedResponse(id string, resp router.RoutedResponse) *RouteResponse {
	if id == "" {
		id = resp.RequestID
	}
	out := &RouteResponse{
		ID:          id,
		Ok:          resp.Success,
		Result:      resp.Payload,
		GeneratedAt: resp.GeneratedAt.UTC().Format(time.RFC3339Nano),
	}
	if !resp.Success {
		code, retryable := codeFor(resp.ErrorKind)
		out.Error = &ErrorDetail{Code: code, Message: resp.Message, Retryable: retryable}
	}
	return out
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *RouteResponse {
	return &RouteResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func codeFor(kind router.ErrorKind) (string, bool) {
	switch kind {
	case router.KindInvalidRequest:
		return CodeInvalidRequest, false
	case router.KindNotFound:
		return CodeNotFound, false
	case router.KindServiceUnavailable:
		return CodeServiceUnavailable, true
	case router.KindTimeout:
		return CodeTimeout, true
	default:
		return CodeInternalError, true
	}
}

func kindFor(code string) router.ErrorKind {
	switch code {
	case CodeInvalidRequest:
		return router.KindInvalidRequest
	case CodeNotFound:
		return router.KindNotFound
	case CodeServiceUnavailable:
		return router.KindServiceUnavailable
	case CodeTimeout:
		return router.KindTimeout
	default:
		return router.KindInternalError
	}
}
