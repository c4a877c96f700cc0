// Package router is the protocol-agnostic front door of the mesh. Transports parse their
// input into a RoutedRequest; the router validates it against the endpoint's schema,
// finds the owning component through the curator, invokes it and always answers with a
// well-formed RoutedResponse.
package router

import (
	"context"
	"time"

	"github.com/morezero/component-mesh/pkg/curator"
)

// ErrorKind classifies a failed response.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "InvalidRequest"
	KindNotFound           ErrorKind = "NotFound"
	KindServiceUnavailable ErrorKind = "ServiceUnavailable"
	KindTimeout            ErrorKind = "Timeout"
	KindInternalError      ErrorKind = "InternalError"
)

// CallerIdentity is who the transport says sent the request.
type CallerIdentity struct {
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

// RoutedRequest is an already-parsed inbound request.
type RoutedRequest struct {
	RequestID      string            `json:"requestId,omitempty"`
	Endpoint       string            `json:"endpoint"`
	Method         string            `json:"method,omitempty"`
	Params         map[string]any    `json:"params,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	CallerIdentity *CallerIdentity   `json:"callerIdentity,omitempty"`
}

// RoutedResponse is the uniform envelope every Route call returns.
type RoutedResponse struct {
	RequestID   string         `json:"requestId"`
	Success     bool           `json:"success"`
	Payload     map[string]any `json:"payload,omitempty"`
	ErrorKind   ErrorKind      `json:"errorKind,omitempty"`
	Message     string         `json:"message,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// HandlerRequest is what a component receives once the request passed validation.
type HandlerRequest struct {
	RequestID string
	Endpoint  string
	// Operation is the endpoint's declared operation, empty when none is declared.
	Operation string
	Method    string
	Params    map[string]any
	Headers   map[string]string
	Caller    *CallerIdentity
}

// RequestHandler is implemented by components that serve routed requests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req HandlerRequest) (map[string]any, error)
}

// RemoteInvoker forwards a request to a component registered by another process.
type RemoteInvoker interface {
	Invoke(ctx context.Context, target curator.Handle, req HandlerRequest) (map[string]any, error)
}

// Error lets a handler choose the error kind and message of its response. Any other
// handler error is reported as an InternalError with a generic message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError returns an *Error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
