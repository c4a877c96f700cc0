// Package dispatcher carries routed requests over COMMS: it serves the route subject by
// handing envelopes to the router, and it forwards requests to components registered
// by other processes.
package dispatcher

import "encoding/json"

// RouteRequest is the JSON envelope of a COMMS route request.
type RouteRequest struct {
	ID       string             `json:"id"`
	Endpoint string             `json:"endpoint"`
	Method   string             `json:"method,omitempty"`
	Params   json.RawMessage    `json:"params,omitempty"`
	Headers  map[string]string  `json:"headers,omitempty"`
	Ctx      *InvocationContext `json:"ctx,omitempty"`
}

// RouteResponse is the JSON envelope of a COMMS route reply.
type RouteResponse struct {
	ID     string         `json:"id"`
	Ok     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty"`
	// GeneratedAt is RFC 3339 UTC.
	GeneratedAt string `json:"generatedAt,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	TenantID      string `json:"tenantId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	DeadlineMs    int    `json:"deadlineMs,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
	// Forwarded is set by a mesh process relaying a request to the owner's process.
	Forwarded bool `json:"forwarded,omitempty"`
}

// Error codes on the wire.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeInternalError      = "INTERNAL_ERROR"
)
