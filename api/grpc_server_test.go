package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/VanDung-dev/HieraMesh/arrow"
	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/reliability"
	"github.com/VanDung-dev/HieraMesh/routing"
)

type fakeNode struct {
	id      uuid.UUID
	routes  []routing.Route
	peers   []peer.Peer
	sendErr error
	outcome routing.Outcome
	healthy bool

	mu        sync.Mutex
	sent      [][]byte
	connected []string
	authed    map[string]bool
}

func (f *fakeNode) LocalID() uuid.UUID { return f.id }

func (f *fakeNode) SendRoutedData(_ context.Context, _ uuid.UUID, payload []byte, _ uint32) (uuid.UUID, routing.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return uuid.Nil, routing.OutcomeBroadcast, f.sendErr
	}
	f.sent = append(f.sent, payload)
	return uuid.New(), f.outcome, nil
}

func (f *fakeNode) RoutingSnapshot() []routing.Route { return f.routes }

func (f *fakeNode) PeerStats() peer.Stats {
	s := peer.Stats{Total: len(f.peers)}
	for _, p := range f.peers {
		if p.IsAuthenticated() {
			s.Authenticated++
		} else {
			s.Discovered++
		}
	}
	return s
}

func (f *fakeNode) Peers() []peer.Peer { return f.peers }

func (f *fakeNode) Connect(_ context.Context, addr string) (*reliability.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, addr)
	if f.authed[addr] {
		return nil, nil
	}
	// The handshake request is acknowledged as soon as it is sent.
	e := reliability.NewEngine(reliability.DefaultConfig(), reliability.Hooks{}, nil)
	msg, err := network.NewMessage(network.HandshakeRequest, network.NewNodeInfo("fake", addr, "test"))
	if err != nil {
		return nil, err
	}
	d, err := e.SendReliable(msg, func(network.Message) error { return nil })
	if err != nil {
		return nil, err
	}
	e.OnAck(d.Seq())
	return d, nil
}

func (f *fakeNode) Health() error {
	if !f.healthy {
		return errors.New("stopped")
	}
	return nil
}

// testEnv runs a control server over an in-memory listener.
type testEnv struct {
	node    *fakeNode
	server  *ControlServer
	client  *ControlClient
	metrics *monitoring.Metrics
}

func newTestEnv(t *testing.T, serverToken, clientToken string) *testEnv {
	t.Helper()

	node := &fakeNode{
		id:      uuid.New(),
		healthy: true,
		outcome: routing.OutcomeForwarded,
		authed:  map[string]bool{},
	}
	metrics := monitoring.NewMetrics(monitoring.DefaultNamespace, prometheus.NewRegistry())

	cfg := DefaultServerConfig()
	cfg.Token = serverToken
	srv, err := NewControlServer(node, cfg, metrics, nil)
	if err != nil {
		t.Fatalf("NewControlServer failed: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewControlClient("passthrough:///bufnet", clientToken,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewControlClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &testEnv{node: node, server: srv, client: client, metrics: metrics}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewControlServerRequiresNode(t *testing.T) {
	if _, err := NewControlServer(nil, nil, nil, nil); err == nil {
		t.Error("Expected error for nil node")
	}
}

func TestSendRoutedData(t *testing.T) {
	env := newTestEnv(t, "", "")
	ctx := testContext(t)

	resp, err := env.client.SendRoutedData(ctx, uuid.NewString(), []byte("hello"), 3)
	if err != nil {
		t.Fatalf("SendRoutedData failed: %v", err)
	}
	if resp.Outcome != "forwarded" {
		t.Errorf("Expected outcome forwarded, got %s", resp.Outcome)
	}
	if _, err := uuid.Parse(resp.RouteID); err != nil {
		t.Errorf("Expected route id, got %q", resp.RouteID)
	}
	if len(env.node.sent) != 1 || string(env.node.sent[0]) != "hello" {
		t.Errorf("Payload not passed to node: %q", env.node.sent)
	}

	if got := testutil.ToFloat64(env.metrics.GRPCRequestsTotal.WithLabelValues(MethodSendRoutedData, "OK")); got != 1 {
		t.Errorf("Expected 1 recorded request, got %v", got)
	}
}

func TestSendRoutedDataInvalidArguments(t *testing.T) {
	env := newTestEnv(t, "", "")
	ctx := testContext(t)

	cases := map[string]struct {
		dest    string
		payload []byte
	}{
		"bad uuid":      {dest: "not-a-uuid", payload: []byte("x")},
		"local node":    {dest: env.node.id.String(), payload: []byte("x")},
		"empty payload": {dest: uuid.NewString()},
	}
	for name, tc := range cases {
		_, err := env.client.SendRoutedData(ctx, tc.dest, tc.payload, 0)
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("%s: expected InvalidArgument, got %v", name, err)
		}
	}
}

func TestSendRoutedDataUnreachable(t *testing.T) {
	env := newTestEnv(t, "", "")
	env.node.sendErr = routing.ErrRouteUnreachable

	_, err := env.client.SendRoutedData(testContext(t), uuid.NewString(), []byte("x"), 0)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("Expected Unavailable, got %v", err)
	}
}

func TestGetRoutingSnapshot(t *testing.T) {
	env := newTestEnv(t, "", "")
	dest, hop := uuid.New(), uuid.New()
	env.node.routes = []routing.Route{{Destination: dest, NextHop: hop, Distance: 2, UpdatedAt: time.Now()}}

	routes, err := env.client.RoutingSnapshot(testContext(t))
	if err != nil {
		t.Fatalf("RoutingSnapshot failed: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("Expected 1 route, got %d", len(routes))
	}
	if routes[0].Destination != dest.String() || routes[0].NextHop != hop.String() || routes[0].Distance != 2 {
		t.Errorf("Route mismatch: %+v", routes[0])
	}
}

func TestGetPeerStats(t *testing.T) {
	env := newTestEnv(t, "", "")
	id := uuid.New()
	env.node.peers = []peer.Peer{
		{Addr: "a:1", NodeID: id, Name: "alpha", State: peer.Authenticated},
		{Addr: "b:2", State: peer.Discovered},
	}

	resp, err := env.client.PeerStats(testContext(t))
	if err != nil {
		t.Fatalf("PeerStats failed: %v", err)
	}
	if resp.Stats.Total != 2 || resp.Stats.Authenticated != 1 {
		t.Errorf("Stats mismatch: %+v", resp.Stats)
	}
	if len(resp.Peers) != 2 || resp.Peers[0].NodeID != id.String() || resp.Peers[1].NodeID != "" {
		t.Errorf("Peers mismatch: %+v", resp.Peers)
	}
	if resp.Peers[0].State != "authenticated" {
		t.Errorf("Expected authenticated, got %s", resp.Peers[0].State)
	}
}

func TestConnect(t *testing.T) {
	env := newTestEnv(t, "", "")
	ctx := testContext(t)
	env.node.authed["known:1"] = true

	resp, err := env.client.Connect(ctx, "known:1", false)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !resp.AlreadyAuthenticated {
		t.Error("Expected already authenticated")
	}

	resp, err = env.client.Connect(ctx, "new:2", true)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !resp.Acknowledged {
		t.Error("Expected acknowledged handshake")
	}

	if _, err := env.client.Connect(ctx, "", false); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument for empty address, got %v", err)
	}
}

func TestExportSnapshot(t *testing.T) {
	env := newTestEnv(t, "", "")
	env.node.routes = []routing.Route{{Destination: uuid.New(), NextHop: uuid.New(), Distance: 1, UpdatedAt: time.Now()}}
	env.node.peers = []peer.Peer{{Addr: "a:1", State: peer.Discovered, LastActivity: time.Now()}}

	resp, err := env.client.ExportSnapshot(testContext(t))
	if err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}

	enc := arrow.NewSnapshotEncoder()
	routes, err := enc.DecodeRoutes(resp.Routes)
	if err != nil {
		t.Fatalf("DecodeRoutes failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Destination != env.node.routes[0].Destination {
		t.Errorf("Exported routes mismatch: %+v", routes)
	}
	peers, err := enc.DecodePeers(resp.Peers)
	if err != nil {
		t.Fatalf("DecodePeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].Addr != "a:1" {
		t.Errorf("Exported peers mismatch: %+v", peers)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, "", "")
	ctx := testContext(t)

	resp, err := env.client.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if !resp.Healthy {
		t.Error("Expected healthy=true")
	}
	if resp.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, resp.Version)
	}
	if resp.NodeID != env.node.id.String() {
		t.Errorf("Expected node id %s, got %s", env.node.id, resp.NodeID)
	}

	env.node.healthy = false
	resp, err = env.client.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if resp.Healthy {
		t.Error("Expected healthy=false")
	}
}

func TestTokenAuthentication(t *testing.T) {
	ctx := testContext(t)

	noToken := newTestEnv(t, "s3cret", "")
	if _, err := noToken.client.HealthCheck(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated without token, got %v", err)
	}
	if got := testutil.ToFloat64(noToken.metrics.GRPCRequestsTotal.WithLabelValues(MethodHealthCheck, "Unauthenticated")); got != 1 {
		t.Errorf("Expected rejected call to be recorded, got %v", got)
	}

	wrong := newTestEnv(t, "s3cret", "guess")
	if _, err := wrong.client.HealthCheck(ctx); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated with wrong token, got %v", err)
	}

	right := newTestEnv(t, "s3cret", "s3cret")
	if _, err := right.client.HealthCheck(ctx); err != nil {
		t.Errorf("Expected success with token, got %v", err)
	}
}

func TestAuthenticator(t *testing.T) {
	disabled := NewTokenAuthenticator("")
	if disabled.IsEnabled() {
		t.Error("Empty token should disable auth")
	}
	if err := disabled.ValidateToken(""); err != nil {
		t.Errorf("Disabled auth should allow all, got %v", err)
	}

	auth := NewAuthenticator(AuthConfig{Enabled: true, Token: "abc"})
	if !errors.Is(auth.ValidateToken(""), ErrAuthRequired) {
		t.Error("Expected ErrAuthRequired")
	}
	if !errors.Is(auth.ValidateToken("abd"), ErrAuthTokenMismatch) {
		t.Error("Expected ErrAuthTokenMismatch")
	}
	if err := auth.ValidateToken("abc"); err != nil {
		t.Errorf("Expected valid token, got %v", err)
	}

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(token))
	}
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{reliability.ErrDeliveryFailed, codes.Unavailable},
		{peer.ErrDirectoryFull, codes.ResourceExhausted},
		{peer.ErrUnknownPeer, codes.NotFound},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(toStatus(tc.err)); got != tc.code {
			t.Errorf("%v: expected %s, got %s", tc.err, tc.code, got)
		}
	}
}
