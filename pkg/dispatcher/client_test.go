package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/curator"
	"github.com/morezero/component-mesh/pkg/discovery"
	"github.com/morezero/component-mesh/pkg/router"
)

const clientTestPrefix = "dispatcher:client_test"

func startTestServer(t *testing.T, port int) *comms.Conn {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", clientTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", clientTestPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", clientTestPrefix, err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestClient_RouteOverComms(t *testing.T) {
	nc := startTestServer(t, 14260)
	r, _ := newRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := NewDispatcher(r).Subscribe(ctx, SubscribeParams{Conn: nc, Subject: "mesh.route", Queue: "mesh"})
	if err != nil {
		t.Fatalf("%s - Subscribe: %v", clientTestPrefix, err)
	}
	defer sub.Unsubscribe()

	client := NewClient(nc, "mesh.route", 5*time.Second)
	resp, err := client.Route(ctx, router.RoutedRequest{
		Endpoint:       "analyze",
		Method:         "POST",
		Params:         map[string]any{"text": "over the wire"},
		CallerIdentity: &router.CallerIdentity{UserID: "user-1"},
	})
	if err != nil {
		t.Fatalf("%s - Route: %v", clientTestPrefix, err)
	}
	if !resp.Success || resp.Payload["text"] != "over the wire" || resp.Payload["user"] != "user-1" {
		t.Errorf("%s - response = %+v", clientTestPrefix, resp)
	}
	if resp.GeneratedAt.IsZero() {
		t.Errorf("%s - generatedAt not decoded", clientTestPrefix)
	}

	resp, err = client.Route(ctx, router.RoutedRequest{Endpoint: "analyze", Params: map[string]any{}})
	if err != nil {
		t.Fatalf("%s - Route: %v", clientTestPrefix, err)
	}
	if resp.Success || resp.ErrorKind != router.KindInvalidRequest {
		t.Errorf("%s - invalid response = %+v", clientTestPrefix, resp)
	}
}

func TestClient_DecodeFailureReply(t *testing.T) {
	nc := startTestServer(t, 14261)
	r, _ := newRouter(t, nil)
	sub, err := NewDispatcher(r).Subscribe(context.Background(), SubscribeParams{Conn: nc, Subject: "mesh.route"})
	if err != nil {
		t.Fatalf("%s - Subscribe: %v", clientTestPrefix, err)
	}
	defer sub.Unsubscribe()

	msg, err := nc.Request("mesh.route", []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - Request: %v", clientTestPrefix, err)
	}
	var resp RouteResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - decode: %v", clientTestPrefix, err)
	}
	if resp.Ok || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("%s - reply = %+v", clientTestPrefix, resp)
	}
}

// Two routers share one COMMS server: "front" has no local owner and forwards to the
// process whose registration advertises a COMMS endpoint.
func TestClient_InvokeForwardsToOwner(t *testing.T) {
	nc := startTestServer(t, 14262)
	ctx := context.Background()

	owner, _ := newRouter(t, nil)
	sub, err := NewDispatcher(owner).Subscribe(ctx, SubscribeParams{Conn: nc, Subject: "mesh.route.owner"})
	if err != nil {
		t.Fatalf("%s - Subscribe: %v", clientTestPrefix, err)
	}
	defer sub.Unsubscribe()

	client := NewClient(nc, "mesh.route", 5*time.Second)
	front, frontSvc := newRouter(t, client)
	// Replace the front's local owner by a registration from "another process".
	if err := frontSvc.Deregister(ctx, localInstanceID(t, frontSvc)); err != nil {
		t.Fatalf("%s - Deregister: %v", clientTestPrefix, err)
	}
	_, err = frontSvc.Register(ctx, discovery.RegisterInput{
		Descriptor: component.Descriptor{Name: "InsightsOrchestrator", Tier: component.TierOrchestrator, StartupPolicy: component.PolicyLazy, Capabilities: []string{"analyze"}},
		InstanceID: "owner-1",
		Endpoints:  []string{"nats://mesh.route.owner"},
	})
	if err != nil {
		t.Fatalf("%s - Register: %v", clientTestPrefix, err)
	}

	resp := front.Route(ctx, router.RoutedRequest{Endpoint: "analyze", Params: map[string]any{"text": "forwarded"}})
	if !resp.Success || resp.Payload["text"] != "forwarded" {
		t.Fatalf("%s - Route = %+v", clientTestPrefix, resp)
	}
}

func TestClient_InvokeWithoutCommsEndpoint(t *testing.T) {
	client := NewClient(nil, "", 0)
	_, err := client.Invoke(context.Background(), curator.Handle{
		Name:         "InsightsOrchestrator",
		InstanceID:   "x",
		Registration: component.Registration{Endpoints: []string{"inproc://InsightsOrchestrator"}},
	}, router.HandlerRequest{Endpoint: "analyze"})
	var routed *router.Error
	if !errors.As(err, &routed) || routed.Kind != router.KindServiceUnavailable {
		t.Errorf("%s - Invoke = %v, want ServiceUnavailable", clientTestPrefix, err)
	}
}

func localInstanceID(t *testing.T, svc *discovery.Service) string {
	t.Helper()
	regs := svc.Registrations("InsightsOrchestrator")
	if len(regs) != 1 {
		t.Fatalf("%s - %d local registrations, want 1", clientTestPrefix, len(regs))
	}
	return regs[0].InstanceID
}
