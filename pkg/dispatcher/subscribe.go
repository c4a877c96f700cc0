package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const subscribeLogPrefix = "dispatcher:subscribe"

// SubscribeParams holds parameters for Subscribe.
type SubscribeParams struct {
	Conn    *comms.Conn
	Subject string
	// Queue spreads requests across every process serving Subject. Empty disables it.
	Queue string
	// RequestTimeout bounds each request; callers may ask for less via ctx.deadlineMs.
	RequestTimeout time.Duration
}

// Subscribe serves route requests on params.Subject until ctx ends or the returned
// subscription is drained.
func (d *Dispatcher) Subscribe(ctx context.Context, params SubscribeParams) (*comms.Subscription, error) {
	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	handler := func(msg *comms.Msg) {
		var req RouteRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", subscribeLogPrefix, err))
			respond(msg, errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
			return
		}

		// Per-request context with timeout; optionally respect client deadline
		reqCtx, cancel := context.WithTimeout(ctx, requestBudget(req.Ctx, timeout))
		defer cancel()

		respond(msg, d.Dispatch(reqCtx, &req))
	}

	var (
		sub *comms.Subscription
		err error
	)
	if params.Queue != "" {
		sub, err = params.Conn.QueueSubscribe(params.Subject, params.Queue, handler)
	} else {
		sub, err = params.Conn.Subscribe(params.Subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", subscribeLogPrefix, params.Subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", subscribeLogPrefix, params.Subject))
	return sub, nil
}

func requestBudget(ic *InvocationContext, max time.Duration) time.Duration {
	if ic == nil {
		return max
	}
	ms := ic.DeadlineMs
	if ms <= 0 {
		ms = ic.TimeoutMs
	}
	if ms > 0 && time.Duration(ms)*time.Millisecond < max {
		return time.Duration(ms) * time.Millisecond
	}
	return max
}

func respond(msg *comms.Msg, resp *RouteResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", subscribeLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - respond: %v", subscribeLogPrefix, err))
	}
}
