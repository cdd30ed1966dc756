package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/reliability"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type received struct {
	payload []byte
	source  uuid.UUID
}

type testNode struct {
	*Server
	delivered chan received
	cancel    context.CancelFunc
	errc      chan error
}

func testOptions() Options {
	o := DefaultOptions()
	o.Name = "node"
	o.NetworkID = "test"
	o.HeartbeatInterval = 50 * time.Millisecond
	o.PeerTimeout = 5 * time.Second
	o.CleanupInterval = 50 * time.Millisecond
	o.StatsInterval = 100 * time.Millisecond
	o.DedupSweepInterval = 100 * time.Millisecond
	o.Reliability = reliability.Config{
		BaseInterval: 20 * time.Millisecond,
		MaxInterval:  80 * time.Millisecond,
		MaxRetries:   3,
		WindowSize:   64,
	}
	o.RateLimit = 0
	o.Workers = 2
	o.DiscoveryEnabled = false
	o.AutoConnect = false
	return o
}

// startNode runs a server on hub until the test ends.
func startNode(t *testing.T, hub *network.MemoryNetwork, mutate func(*Options)) *testNode {
	t.Helper()

	tr, err := hub.Listen("")
	require.NoError(t, err)
	return startNodeOn(t, tr, mutate)
}

// startNodeOn runs a server on an already bound transport.
func startNodeOn(t *testing.T, tr network.Transport, mutate func(*Options)) *testNode {
	t.Helper()

	n := &testNode{
		delivered: make(chan received, 64),
		errc:      make(chan error, 1),
	}
	opts := testOptions()
	opts.Metrics = monitoring.NewMetrics(monitoring.DefaultNamespace, prometheus.NewRegistry())
	opts.Deliver = func(payload []byte, source uuid.UUID) {
		n.delivered <- received{payload: payload, source: source}
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(tr, opts)
	require.NoError(t, err)
	n.Server = srv

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() { n.errc <- srv.Run(ctx) }()

	require.Eventually(t, srv.IsRunning, waitFor, tick)
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) stop() {
	n.cancel()
	<-n.Done()
}

func (n *testNode) id() uuid.UUID {
	return n.LocalNode().ID
}

func (n *testNode) peerState(addr string) (peer.State, bool) {
	p, ok := n.dir.Lookup(addr)
	return p.State, ok
}

func (n *testNode) isAuthenticatedWith(other *testNode) bool {
	p, ok := n.dir.Lookup(other.Addr())
	return ok && p.IsAuthenticated()
}

// connect handshakes a with b and waits until both sides are authenticated.
func connect(t *testing.T, a, b *testNode) {
	t.Helper()
	_, err := a.Connect(context.Background(), b.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if !a.isAuthenticatedWith(b) || !b.isAuthenticatedWith(a) {
			return false
		}
		_, ab := a.table.Lookup(b.id())
		_, ba := b.table.Lookup(a.id())
		return ab && ba
	}, waitFor, tick)
}

func (n *testNode) expectDelivery(t *testing.T) received {
	t.Helper()
	select {
	case r := <-n.delivered:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		return received{}
	}
}

func (n *testNode) expectNoDelivery(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-n.delivered:
		t.Fatalf("unexpected delivery of %q", r.payload)
	case <-time.After(d):
	}
}

// rawPeer speaks the wire protocol by hand.
type rawPeer struct {
	t     *testing.T
	tr    *network.MemoryTransport
	codec *network.Codec
	info  network.NodeInfo
	seq   uint32
}

func newRawPeer(t *testing.T, hub *network.MemoryNetwork, networkID string) *rawPeer {
	t.Helper()
	tr, err := hub.Listen("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return &rawPeer{
		t:     t,
		tr:    tr,
		codec: network.NewCodec(network.DefaultCompressThreshold),
		info:  network.NewNodeInfo("raw", tr.LocalAddr(), networkID),
	}
}

func (r *rawPeer) addr() string {
	return r.tr.LocalAddr()
}

func (r *rawPeer) send(to string, msg network.Message) {
	r.t.Helper()
	data, err := r.codec.Encode(msg)
	require.NoError(r.t, err)
	require.NoError(r.t, r.tr.Send(context.Background(), to, data))
}

func (r *rawPeer) sendRaw(to string, data []byte) {
	r.t.Helper()
	require.NoError(r.t, r.tr.Send(context.Background(), to, data))
}

// reliable stamps msg with the next sequence number.
func (r *rawPeer) reliable(msg network.Message) network.Message {
	r.seq++
	msg.SequenceNumber = r.seq
	msg.RequiresAck = true
	return msg
}

func (r *rawPeer) newMessage(typ network.MessageType, payload any) network.Message {
	r.t.Helper()
	msg, err := network.NewMessage(typ, payload)
	require.NoError(r.t, err)
	return msg
}

// collect reads every message that arrives within d.
func (r *rawPeer) collect(d time.Duration) []network.Message {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var out []network.Message
	for {
		dg, err := r.tr.Receive(ctx)
		if err != nil {
			return out
		}
		msg, err := r.codec.Decode(dg.Data)
		require.NoError(r.t, err)
		out = append(out, msg)
	}
}

// expect reads until a message of typ arrives, acknowledging reliable
// messages on the way.
func (r *rawPeer) expect(from string, typ network.MessageType) network.Message {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	for {
		dg, err := r.tr.Receive(ctx)
		require.NoError(r.t, err, "waiting for %s", typ)
		msg, err := r.codec.Decode(dg.Data)
		require.NoError(r.t, err)
		if msg.RequiresAck {
			r.send(from, network.NewAck(msg.SequenceNumber))
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// next reads until a message of typ arrives without acknowledging anything.
func (r *rawPeer) next(typ network.MessageType) network.Message {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	for {
		dg, err := r.tr.Receive(ctx)
		require.NoError(r.t, err, "waiting for %s", typ)
		msg, err := r.codec.Decode(dg.Data)
		require.NoError(r.t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

// handshake authenticates with the server at to.
func (r *rawPeer) handshake(to string) network.HandshakeReply {
	r.t.Helper()
	r.send(to, r.reliable(r.newMessage(network.HandshakeRequest, r.info)))
	resp := r.expect(to, network.HandshakeResponse)

	var reply network.HandshakeReply
	require.NoError(r.t, resp.DecodePayload(&reply))
	require.True(r.t, reply.Success)
	return reply
}

func countType(msgs []network.Message, typ network.MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}
