package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraMesh/cache"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
)

type sent struct {
	addr string
	env  network.RoutedMessage
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (f *fakeSender) SendToPeer(_ context.Context, p peer.Peer, msg network.Message) error {
	if f.fail[p.Addr] {
		return errors.New("send failed")
	}
	env, err := network.RoutedMessageFromMessage(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{addr: p.Addr, env: env})
	return nil
}

func (f *fakeSender) addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.addr)
	}
	return out
}

type delivery struct {
	payload []byte
	source  uuid.UUID
}

type fixture struct {
	local     uuid.UUID
	dir       *peer.Directory
	table     *Table
	sender    *fakeSender
	router    *Router
	mu        sync.Mutex
	delivered []delivery
	reject    error
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		local:  uuid.New(),
		dir:    peer.NewDirectory(0, nil),
		table:  NewTable(),
		sender: &fakeSender{fail: map[string]bool{}},
	}
	opts := Options{
		Local: f.local,
		Deliver: func(_ context.Context, payload []byte, source uuid.UUID) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.reject != nil {
				return f.reject
			}
			f.delivered = append(f.delivered, delivery{payload, source})
			return nil
		},
	}
	f.router = NewRouter(opts, f.dir, f.table, cache.NewTTLCache[uuid.UUID](ttl), f.sender)
	return f
}

// authenticate adds an Authenticated peer at addr and returns its node id.
func (f *fixture) authenticate(t *testing.T, addr string) uuid.UUID {
	t.Helper()
	_, _, err := f.dir.GetOrCreate(addr)
	require.NoError(t, err)
	info := network.NewNodeInfo(addr, addr, "test")
	_, err = f.dir.MarkAuthenticated(addr, info)
	require.NoError(t, err)
	return info.ID
}

func (f *fixture) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestRouteDeliversLocallyOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	source := uuid.New()
	env := network.NewRoutedMessage([]byte("hi"), source, f.local, 5)

	out, err := f.router.Route(context.Background(), env, "p1:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)

	out, err = f.router.Route(context.Background(), env, "p2:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	require.Equal(t, 1, f.deliveries())
	assert.Equal(t, []byte("hi"), f.delivered[0].payload)
	assert.Equal(t, source, f.delivered[0].source)
}

func TestRouteIDProcessedOncePerTTL(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	env := network.NewRoutedMessage([]byte("x"), uuid.New(), f.local, 5)

	out, _ := f.router.Route(context.Background(), env, "")
	assert.Equal(t, OutcomeDelivered, out)
	out, _ = f.router.Route(context.Background(), env, "")
	assert.Equal(t, OutcomeDuplicate, out)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.router.SweepSeen(time.Now()))

	out, _ = f.router.Route(context.Background(), env, "")
	assert.Equal(t, OutcomeDelivered, out)
	assert.Equal(t, 2, f.deliveries())
}

func TestRouteAtHopLimitIsNotForwarded(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p1:1")
	f.authenticate(t, "p2:1")

	env := network.NewRoutedMessage([]byte("x"), uuid.New(), uuid.New(), 3)
	env.HopCount = 3

	out, err := f.router.Route(context.Background(), env, "p1:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out)
	assert.Empty(t, f.sender.addrs())
}

func TestRouteForwardsToNextHop(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p1:1")
	next := f.authenticate(t, "p2:1")
	dest := uuid.New()
	f.table.Update(dest, next, 2)

	env := network.NewRoutedMessage([]byte("x"), uuid.New(), dest, 5)
	out, err := f.router.Route(context.Background(), env, "p1:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)

	require.Equal(t, []string{"p2:1"}, f.sender.addrs())
	assert.Equal(t, uint32(1), f.sender.sent[0].env.HopCount)
	assert.Equal(t, env.RouteID, f.sender.sent[0].env.RouteID)
}

func TestBroadcastFallbackExcludesSenderAndSource(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p1:1")
	f.authenticate(t, "p2:1")
	source := f.authenticate(t, "src:1")

	env := network.NewRoutedMessage([]byte("x"), source, uuid.New(), 5)
	out, err := f.router.Route(context.Background(), env, "p1:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, out)
	assert.Equal(t, []string{"p2:1"}, f.sender.addrs())
}

func TestBroadcastSkipsUnauthenticatedAndSurvivesFailures(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p1:1")
	f.authenticate(t, "p2:1")
	f.authenticate(t, "p3:1")
	_, _, err := f.dir.GetOrCreate("stranger:1")
	require.NoError(t, err)
	f.sender.fail["p1:1"] = true

	env := network.NewRoutedMessage([]byte("x"), uuid.New(), uuid.New(), 5)
	out, err := f.router.Route(context.Background(), env, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, out)
	assert.ElementsMatch(t, []string{"p2:1", "p3:1"}, f.sender.addrs())
	assert.Equal(t, uint64(1), f.router.Stats().SendFailures)
}

func TestUnreachableNextHopFallsBackToBroadcast(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p2:1")
	gone := uuid.New()
	dest := uuid.New()
	f.table.Update(dest, gone, 2)

	env := network.NewRoutedMessage([]byte("x"), uuid.New(), dest, 5)
	out, err := f.router.Route(context.Background(), env, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, out)
	assert.Equal(t, []string{"p2:1"}, f.sender.addrs())

	_, ok := f.table.Lookup(dest)
	assert.False(t, ok, "route via unreachable next hop is removed")
}

func TestSendRoutedDataWithoutPeers(t *testing.T) {
	f := newFixture(t, time.Minute)

	id, out, err := f.router.SendRoutedData(context.Background(), uuid.New(), []byte("x"), 0)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, OutcomeBroadcast, out)
	assert.ErrorIs(t, err, ErrRouteUnreachable)
}

func TestSendRoutedDataUsesDefaultHops(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.authenticate(t, "p1:1")

	_, out, err := f.router.SendRoutedData(context.Background(), uuid.New(), []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBroadcast, out)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, uint32(DefaultMaxHops), f.sender.sent[0].env.MaxHops)
	assert.Equal(t, f.local, f.sender.sent[0].env.Source)
	assert.Equal(t, uint64(1), f.router.Stats().Broadcast)
}

func TestRejectedDeliveryCanBeRetried(t *testing.T) {
	f := newFixture(t, time.Minute)
	env := network.NewRoutedMessage([]byte("hi"), uuid.New(), f.local, 5)

	f.mu.Lock()
	f.reject = context.Canceled
	f.mu.Unlock()

	out, err := f.router.Route(context.Background(), env, "p1:1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeDropped, out)
	assert.Equal(t, 0, f.deliveries())

	f.mu.Lock()
	f.reject = nil
	f.mu.Unlock()

	out, err = f.router.Route(context.Background(), env, "p2:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, out)
	assert.Equal(t, 1, f.deliveries())

	out, err = f.router.Route(context.Background(), env, "p1:1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	st := f.router.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(1), st.Delivered)
}
