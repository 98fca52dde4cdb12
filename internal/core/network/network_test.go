package network

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/pkg/types"
)

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mn := transport.NewMemoryNetwork()
	ident, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	protos := transport.NewProtocols()
	n, err := New(testConfig(), ident, protos, WithTransports(mn.Transport(ident.PeerID(), protos)))
	require.NoError(t, err)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyRunning)
	assert.Len(t, n.ListenAddrs(), 1)
	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())

	_, err = n.Peers(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestConnectIdentifiesBothSides(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	identified := b.subscribe(t, new(types.EvtPeerIdentified))

	connect(t, a, b)

	assert.Equal(t, types.PeerIdentified, a.state(t, b.ID()))
	evt := nextEvent(t, identified, func(e types.EvtPeerIdentified) bool { return e.Peer == a.ID() })
	assert.Equal(t, ProtocolVersion, evt.ProtocolVersion)
	assert.NotEmpty(t, evt.ListenAddrs)

	// Connecting again is a no-op.
	require.NoError(t, a.Connect(context.Background(), b.info()))
	peers, err := a.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Relayed)
}

func TestConnectErrors(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.Connect(ctx, types.AddrInfo{ID: a.ID()}), ErrSelfDial)
	assert.ErrorIs(t, a.Connect(ctx, types.AddrInfo{ID: "bogus"}), types.ErrValidation)

	ghost, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	err = a.Connect(ctx, types.AddrInfo{
		ID:    ghost.PeerID(),
		Addrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/udp/9/quic-v1")},
	})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
	assert.Equal(t, types.PeerFailed, a.state(t, ghost.PeerID()))

	err = a.Connect(ctx, types.AddrInfo{ID: ghost.PeerID()})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
}

func TestRequestResponse(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)

	require.NoError(t, b.Handle(protocol.KindIdentityRequest, func(_ context.Context, from types.PeerID, _ protocol.Message) (protocol.Message, error) {
		assert.Equal(t, a.ID(), from)
		return &protocol.IdentityResponse{
			Profile:   types.Profile{DisplayName: "bob"},
			PublicKey: b.ident.PublicKey(),
		}, nil
	}))
	connect(t, a, b)

	resp, err := a.Request(context.Background(), b.ID(), &protocol.IdentityRequest{})
	require.NoError(t, err)
	ir, ok := resp.(*protocol.IdentityResponse)
	require.True(t, ok)
	assert.Equal(t, "bob", ir.Profile.DisplayName)
	assert.Equal(t, []byte(b.ident.PublicKey()), ir.PublicKey)
}

func TestRequestErrors(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	ctx := context.Background()

	// Unknown peer: nothing is sent.
	_, err := a.Request(ctx, b.ID(), &protocol.IdentityRequest{})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)

	require.NoError(t, b.Handle(protocol.KindPermissionRequest, func(context.Context, types.PeerID, protocol.Message) (protocol.Message, error) {
		return nil, errors.Join(types.ErrValidation, errors.New("nope"))
	}))
	connect(t, a, b)

	// No handler registered remotely.
	_, err = a.Request(ctx, b.ID(), &protocol.IdentityRequest{})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)

	// Handler error maps back by code.
	_, err = a.Request(ctx, b.ID(), &protocol.PermissionRequest{Capability: types.CapabilityChat})
	assert.ErrorIs(t, err, types.ErrValidation)

	// Kind checks.
	_, err = a.Request(ctx, b.ID(), &protocol.SignalingHangup{})
	assert.ErrorIs(t, err, ErrUnexpectedKind)
	assert.ErrorIs(t, a.Send(ctx, b.ID(), &protocol.IdentityRequest{}), ErrUnexpectedKind)
}

func TestRequestTimeout(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	cfg := testConfig()
	cfg.Network.RequestTimeout = config.Duration(200 * time.Millisecond)
	a := newTestNode(t, mn, cfg)
	b := newTestNode(t, mn, nil)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, b.Handle(protocol.KindIdentityRequest, func(ctx context.Context, _ types.PeerID, _ protocol.Message) (protocol.Message, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &protocol.IdentityResponse{}, nil
	}))
	connect(t, a, b)

	start := time.Now()
	_, err := a.Request(context.Background(), b.ID(), &protocol.IdentityRequest{})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendFireAndForget(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)

	got := make(chan *protocol.SignalingHangup, 1)
	require.NoError(t, b.Handle(protocol.KindSignalingHangup, func(_ context.Context, _ types.PeerID, msg protocol.Message) (protocol.Message, error) {
		got <- msg.(*protocol.SignalingHangup)
		return nil, nil
	}))
	connect(t, a, b)

	msg := &protocol.SignalingHangup{Signal: protocol.Signal{CallID: "call-1", Reason: "bye"}}
	require.NoError(t, a.Send(context.Background(), b.ID(), msg))
	select {
	case h := <-got:
		assert.Equal(t, "call-1", h.CallID)
		assert.Equal(t, "bye", h.Reason)
	case <-time.After(waitFor):
		t.Fatal("hangup not delivered")
	}
}

func TestDisconnectOnPeerStop(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	disconnected := a.subscribe(t, new(types.EvtPeerDisconnected))
	connect(t, a, b)

	require.NoError(t, b.Stop())
	nextEvent(t, disconnected, func(e types.EvtPeerDisconnected) bool { return e.Peer == b.ID() })
	assert.Equal(t, types.PeerDisconnected, a.state(t, b.ID()))
	assert.False(t, a.IsIdentified(b.ID()))

	_, err := a.Request(context.Background(), b.ID(), &protocol.IdentityRequest{})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
}

func TestBlock(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	connect(t, a, b)

	require.NoError(t, a.Block(context.Background(), b.ID()))
	require.Eventually(t, func() bool { return !a.IsIdentified(b.ID()) }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, a.Connect(context.Background(), b.info()), ErrBlocked)

	// Inbound connections from a blocked peer are refused too.
	require.Eventually(t, func() bool { return !b.IsIdentified(a.ID()) }, waitFor, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Connect(ctx, a.info()))

	require.NoError(t, a.Unblock(context.Background(), b.ID()))
	connect(t, a, b)
}

func TestDiscoveryEmitsOnce(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	discovered := a.subscribe(t, new(types.EvtPeerDiscovered))

	other, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	info := types.AddrInfo{ID: other.PeerID(), Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.7/udp/4001/quic-v1")}}
	a.HandlePeerFound(info, "test")
	a.HandlePeerFound(info, "test")

	evt := nextEvent(t, discovered, func(e types.EvtPeerDiscovered) bool { return e.Peer == other.PeerID() })
	assert.Equal(t, "test", evt.Source)
	select {
	case e := <-discovered.Out():
		t.Fatalf("duplicate discovery event %v", e)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, types.PeerDiscovered, a.state(t, other.PeerID()))
}

type fakeDiscoverer struct {
	target  types.AddrInfo
	started atomic.Bool
	closed  atomic.Bool
}

func (d *fakeDiscoverer) Name() string { return "fake" }

func (d *fakeDiscoverer) Start(_ context.Context, found func(types.AddrInfo)) error {
	d.started.Store(true)
	go found(d.target)
	return nil
}

func (d *fakeDiscoverer) Close() error {
	d.closed.Store(true)
	return nil
}

func TestDiscovererAutoDial(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)

	d := &fakeDiscoverer{target: b.info()}
	require.NoError(t, a.AddDiscoverer(d, true))
	require.Eventually(t, func() bool { return a.IsIdentified(b.ID()) }, waitFor, 10*time.Millisecond)
	assert.True(t, d.started.Load())

	require.NoError(t, a.Stop())
	assert.True(t, d.closed.Load())
}

func TestPruneExpiresUnreachablePeers(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := newTestNode(t, mn, nil, WithClock(mock))
	expired := a.subscribe(t, new(types.EvtPeerExpired))

	other, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	a.HandlePeerFound(types.AddrInfo{
		ID:    other.PeerID(),
		Addrs: []ma.Multiaddr{ma.StringCast("/ip4/10.0.0.9/udp/4001/quic-v1")},
	}, "test")
	require.Eventually(t, func() bool {
		_, err := a.Peer(context.Background(), other.PeerID())
		return err == nil
	}, waitFor, 10*time.Millisecond)

	mock.Add(testConfig().Network.PeerExpiry.Duration() + testConfig().Network.PruneInterval.Duration())

	evt := nextEvent(t, expired, func(e types.EvtPeerExpired) bool { return e.Peer == other.PeerID() })
	assert.True(t, evt.LastSeen.Before(mock.Now()))
	_, err = a.Peer(context.Background(), other.PeerID())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStats(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	connect(t, a, b)

	st, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Peers)
	assert.Equal(t, 1, st.Connected)
	assert.Equal(t, 1, st.Identified)
	assert.Zero(t, st.Relayed)
	assert.Len(t, st.ListenAddrs, 1)
}
