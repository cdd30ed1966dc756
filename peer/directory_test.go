package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/reliability"
)

func nodeInfo(name string) network.NodeInfo {
	return network.NewNodeInfo(name, "", "test")
}

func TestGetOrCreate(t *testing.T) {
	d := NewDirectory(0, nil)

	p, created, err := d.GetOrCreate("a:1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Discovered, p.State)
	assert.NotNil(t, p.Engine)

	again, created, err := d.GetOrCreate("a:1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, p.Engine, again.Engine)
}

func TestDirectoryFull(t *testing.T) {
	d := NewDirectory(2, nil)

	_, _, err := d.GetOrCreate("a:1")
	require.NoError(t, err)
	_, _, err = d.GetOrCreate("a:2")
	require.NoError(t, err)

	_, _, err = d.GetOrCreate("a:3")
	assert.ErrorIs(t, err, ErrDirectoryFull)
	_, err = d.Upsert("a:3", HandshakeInitiated)
	assert.ErrorIs(t, err, ErrDirectoryFull)

	_, _, err = d.GetOrCreate("a:1")
	assert.NoError(t, err, "existing peers are still reachable when full")
}

func TestMarkAuthenticated(t *testing.T) {
	d := NewDirectory(0, nil)
	_, _, err := d.GetOrCreate("a:1")
	require.NoError(t, err)

	info := nodeInfo("alpha")
	info.SetMetadata("region", "eu")
	res, err := d.MarkAuthenticated("a:1", info)
	require.NoError(t, err)
	assert.Nil(t, res.Displaced)
	assert.Equal(t, Authenticated, res.Peer.State)
	assert.Equal(t, info.ID, res.Peer.NodeID)

	p, ok := d.LookupNode(info.ID)
	require.True(t, ok)
	assert.Equal(t, "a:1", p.Addr)
	assert.Equal(t, "eu", p.Metadata["region"])

	p.Metadata["region"] = "us"
	fresh, _ := d.Lookup("a:1")
	assert.Equal(t, "eu", fresh.Metadata["region"], "returned peers are copies")

	_, err = d.MarkAuthenticated("b:1", info)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestMarkAuthenticatedRebindsAddress(t *testing.T) {
	d := NewDirectory(0, nil)
	info := nodeInfo("alpha")

	_, _, err := d.GetOrCreate("a:1")
	require.NoError(t, err)
	_, err = d.MarkAuthenticated("a:1", info)
	require.NoError(t, err)
	old, _ := d.Lookup("a:1")

	_, _, err = d.GetOrCreate("a:2")
	require.NoError(t, err)
	res, err := d.MarkAuthenticated("a:2", info)
	require.NoError(t, err)
	require.NotNil(t, res.Displaced)
	assert.Equal(t, "a:1", res.Displaced.Addr)

	_, ok := d.Lookup("a:1")
	assert.False(t, ok, "old address entry is dropped")
	p, ok := d.LookupNode(info.ID)
	require.True(t, ok)
	assert.Equal(t, "a:2", p.Addr)

	ping, err := network.NewMessage(network.Ping, nil)
	require.NoError(t, err)
	_, err = old.Engine.SendReliable(ping, func(network.Message) error { return nil })
	assert.ErrorIs(t, err, reliability.ErrPeerGone, "displaced engine is closed")
}

func TestMarkAuthenticatedNewIdentityAtSameAddress(t *testing.T) {
	d := NewDirectory(0, nil)
	_, _, err := d.GetOrCreate("a:1")
	require.NoError(t, err)

	first := nodeInfo("alpha")
	_, err = d.MarkAuthenticated("a:1", first)
	require.NoError(t, err)

	second := nodeInfo("alpha-restarted")
	res, err := d.MarkAuthenticated("a:1", second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.PreviousNode)

	_, ok := d.LookupNode(first.ID)
	assert.False(t, ok)
	_, ok = d.LookupNode(second.ID)
	assert.True(t, ok)
}

func TestRemove(t *testing.T) {
	d := NewDirectory(0, nil)
	info := nodeInfo("alpha")
	_, _, _ = d.GetOrCreate("a:1")
	_, err := d.MarkAuthenticated("a:1", info)
	require.NoError(t, err)

	p, ok := d.Remove("a:1")
	require.True(t, ok)
	assert.Equal(t, info.ID, p.NodeID)

	_, ok = d.LookupNode(info.ID)
	assert.False(t, ok)
	_, ok = d.Remove("a:1")
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
}

func TestRemoveIfInactive(t *testing.T) {
	d := NewDirectory(0, nil)
	active, _, _ := d.GetOrCreate("a:1")
	_, _, _ = d.GetOrCreate("b:1")
	info := nodeInfo("beta")
	_, err := d.MarkAuthenticated("b:1", info)
	require.NoError(t, err)

	cutoff := active.LastActivity.Add(time.Second)
	require.Len(t, d.Inactive(cutoff), 2)

	// a:1 shows activity after it was listed.
	require.True(t, d.Touch("a:1", cutoff.Add(time.Second)))

	_, ok := d.RemoveIfInactive("a:1", cutoff)
	assert.False(t, ok, "peer touched after listing is kept")
	_, ok = d.Lookup("a:1")
	assert.True(t, ok)

	p, ok := d.RemoveIfInactive("b:1", cutoff)
	require.True(t, ok)
	assert.Equal(t, info.ID, p.NodeID)
	_, ok = d.LookupNode(info.ID)
	assert.False(t, ok)

	// A fresh entry at a removed address is not taken by a stale cutoff.
	stale := time.Now().Add(-time.Minute)
	_, _, _ = d.GetOrCreate("b:1")
	_, ok = d.RemoveIfInactive("b:1", stale)
	assert.False(t, ok)

	_, ok = d.RemoveIfInactive("missing:1", cutoff)
	assert.False(t, ok)
}

func TestSetStateAndTouch(t *testing.T) {
	d := NewDirectory(0, nil)
	assert.ErrorIs(t, d.SetState("x", Authenticated), ErrUnknownPeer)
	assert.False(t, d.Touch("x", time.Now()))

	p, _, _ := d.GetOrCreate("a:1")
	require.NoError(t, d.SetState("a:1", HandshakeInitiated))

	later := p.LastActivity.Add(time.Minute)
	assert.True(t, d.Touch("a:1", later))
	assert.True(t, d.Touch("a:1", later.Add(-time.Hour)), "older timestamps do not move activity back")

	got, _ := d.Lookup("a:1")
	assert.Equal(t, HandshakeInitiated, got.State)
	assert.Equal(t, later, got.LastActivity)
}

func TestSnapshotsAndStats(t *testing.T) {
	d := NewDirectory(0, nil)
	for _, addr := range []string{"c:1", "a:1", "b:1"} {
		_, _, err := d.GetOrCreate(addr)
		require.NoError(t, err)
	}
	_, err := d.MarkAuthenticated("a:1", nodeInfo("a"))
	require.NoError(t, err)
	_, err = d.MarkAuthenticated("b:1", nodeInfo("b"))
	require.NoError(t, err)
	require.NoError(t, d.SetState("c:1", HandshakeInitiated))

	all := d.Snapshot()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, []string{all[0].Addr, all[1].Addr, all[2].Addr})

	auth := d.SnapshotAuthenticated()
	assert.Len(t, auth, 2)

	infos := d.PeerInfos("a:1")
	require.Len(t, infos, 1)
	assert.Equal(t, "b:1", infos[0].Addr)

	s := d.Stats()
	assert.Equal(t, Stats{Total: 3, HandshakeInitiated: 1, Authenticated: 2}, s)

	future := time.Now().Add(time.Hour)
	assert.Len(t, d.Inactive(future), 3)
	assert.Empty(t, d.Inactive(time.Now().Add(-time.Hour)))
}

func TestConcurrentAccess(t *testing.T) {
	d := NewDirectory(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := uuid.NewString()
			_, _, _ = d.GetOrCreate(addr)
			d.Touch(addr, time.Now())
			_ = d.Snapshot()
			_ = d.Stats()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, d.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "State(9)", State(9).String())
}
