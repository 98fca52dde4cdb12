package dht

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/eventbus"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/network"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/pkg/types"
)

const waitFor = 5 * time.Second

func newID(t *testing.T) types.PeerID {
	t.Helper()
	ident, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	return ident.PeerID()
}

func addr(s string) []ma.Multiaddr { return []ma.Multiaddr{ma.StringCast(s)} }

// ============================================================================
//                              Routing table
// ============================================================================

func TestDistanceAndPrefix(t *testing.T) {
	a, b := KeyOf(newID(t)), KeyOf(newID(t))
	assert.Equal(t, Key{}, Distance(a, a))
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Equal(t, KeySize, commonPrefixLen(a, a))

	var x, y Key
	y[0] = 0x20
	assert.Equal(t, 2, commonPrefixLen(x, y))
}

func TestRoutingTableUpdate(t *testing.T) {
	local := newID(t)
	rt := NewRoutingTable(local, 20)
	now := time.Now()

	assert.False(t, rt.Update(types.AddrInfo{ID: local}, now), "self is never stored")

	p := newID(t)
	assert.True(t, rt.Update(types.AddrInfo{ID: p, Addrs: addr("/ip4/10.0.0.1/udp/1/quic-v1")}, now))
	assert.True(t, rt.Update(types.AddrInfo{ID: p}, now.Add(time.Second)), "refresh without addresses")
	info, ok := rt.Find(p)
	require.True(t, ok)
	assert.Len(t, info.Addrs, 1, "known addresses survive a refresh without any")
	assert.Equal(t, 1, rt.Size())

	rt.Remove(p)
	_, ok = rt.Find(p)
	assert.False(t, ok)
	assert.Zero(t, rt.Size())
}

func TestRoutingTableBucketLimit(t *testing.T) {
	rt := NewRoutingTable(newID(t), 1)
	added := 0
	for i := 0; i < 64; i++ {
		if rt.Update(types.AddrInfo{ID: newID(t)}, time.Now()) {
			added++
		}
	}
	// Half of all keys land in bucket 0, so with k=1 most are rejected.
	assert.Less(t, added, 64)
	assert.Equal(t, added, rt.Size())
}

func TestNearestOrdersByDistance(t *testing.T) {
	rt := NewRoutingTable(newID(t), 20)
	var ids []types.PeerID
	for i := 0; i < 10; i++ {
		id := newID(t)
		ids = append(ids, id)
		rt.Update(types.AddrInfo{ID: id}, time.Now())
	}
	target := KeyOf(newID(t))
	SortByDistance(target, ids)

	got := rt.Nearest(target, 3)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, ids[i], got[i].ID)
	}
}

// ============================================================================
//                              Lookups over the network
// ============================================================================

type node struct {
	*network.Network
	dht *DHT
}

func newNode(t *testing.T, mn *transport.MemoryNetwork) *node {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Network.ListenAddrs = []string{"/ip4/127.0.0.1/udp/0/quic-v1"}
	cfg.Network.Workers = 4

	ident, err := identity.Generate(types.Profile{DisplayName: t.Name()})
	require.NoError(t, err)
	bus := eventbus.NewBus()
	protos := transport.NewProtocols()
	n, err := network.New(cfg, ident, protos,
		network.WithTransports(mn.Transport(ident.PeerID(), protos)),
		network.WithEventBus(bus))
	require.NoError(t, err)

	d, err := New(cfg.Discovery, n, WithEventBus(bus))
	require.NoError(t, err)
	n.SetRouting(d)

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		_ = d.Close()
		_ = n.Stop()
	})
	return &node{Network: n, dht: d}
}

func link(t *testing.T, a, b *node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Connect(ctx, types.AddrInfo{ID: b.ID(), Addrs: b.ListenAddrs()}))
	require.Eventually(t, func() bool {
		_, okA := a.dht.RoutingTable().Find(b.ID())
		_, okB := b.dht.RoutingTable().Find(a.ID())
		return okA && okB
	}, waitFor, 10*time.Millisecond)
}

func TestFindPeerWalksTheChain(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a, b, c := newNode(t, mn), newNode(t, mn), newNode(t, mn)
	link(t, a, b)
	link(t, b, c)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	info, err := a.dht.FindPeer(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), info.ID)
	assert.NotEmpty(t, info.Addrs)

	// With the DHT as peer routing a bare id is enough to connect.
	require.NoError(t, a.Connect(ctx, types.AddrInfo{ID: c.ID()}))
	assert.True(t, a.IsIdentified(c.ID()))
}

func TestFindPeerMisses(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newNode(t, mn)

	_, err := a.dht.FindPeer(context.Background(), newID(t))
	assert.ErrorIs(t, err, ErrNoPeers)

	b := newNode(t, mn)
	link(t, a, b)
	_, err = a.dht.FindPeer(context.Background(), newID(t))
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoError(t, a.dht.Refresh(context.Background()))
}
