package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

func TestReservationBeforeIdentifyNeverReachesTransport(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{}
	a := newTestNode(t, mn, nil, WithReserver(res))
	res.net = a.Network

	relayIdent, err := identity.Generate(types.Profile{})
	require.NoError(t, err)

	_, err = a.RequestReservation(context.Background(), relayIdent.PeerID())
	assert.ErrorIs(t, err, types.ErrNotIdentified)
	calls, _ := res.counts()
	assert.Zero(t, calls)
}

func heldConfig() *config.Config {
	cfg := testConfig()
	cfg.Network.IdentifyTimeout = config.Duration(30 * time.Second)
	return cfg
}

func TestReservationOnConnectedRelayWaitsForIdentify(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{}
	var held *heldIdentify
	a := newWrappedNode(t, mn, heldConfig(), func(tr pkgif.Transport) pkgif.Transport {
		held = newHeldIdentify(tr)
		return held
	}, WithReserver(res))
	res.net = a.Network
	r := newTestNode(t, mn, heldConfig())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	connected := make(chan error, 1)
	go func() { connected <- a.Connect(ctx, r.info()) }()
	require.Eventually(t, func() bool { return a.state(t, r.ID()) == types.PeerConnected }, waitFor, 10*time.Millisecond)

	_, err := a.RequestReservation(context.Background(), r.ID())
	assert.ErrorIs(t, err, types.ErrNotIdentified)
	assert.Equal(t, types.PeerConnected, a.state(t, r.ID()))
	calls, _ := res.counts()
	assert.Zero(t, calls)

	held.release()
	require.NoError(t, <-connected)
	require.True(t, a.IsIdentified(r.ID()))

	_, err = a.RequestReservation(context.Background(), r.ID())
	require.NoError(t, err)
	calls, violations := res.counts()
	assert.Equal(t, 1, calls)
	assert.Zero(t, violations)
}

func TestRepeatedIdentifyReservesOnce(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{}
	var held *heldIdentify
	a := newWrappedNode(t, mn, heldConfig(), func(tr pkgif.Transport) pkgif.Transport {
		held = newHeldIdentify(tr)
		return held
	}, WithReserver(res))
	res.net = a.Network
	r := newTestNode(t, mn, heldConfig())
	reserved := a.subscribe(t, new(types.EvtRelayReserved))

	_, err := a.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.state(t, r.ID()) == types.PeerConnected }, waitFor, 10*time.Millisecond)

	// Both Identify exchanges complete together once released.
	held.release()
	nextEvent(t, reserved, func(e types.EvtRelayReserved) bool { return e.Relay == r.ID() })

	// Deliver the completion again on the same connection.
	redeliver := func() {
		require.NoError(t, a.exec(context.Background(), func() {
			p := a.peers[r.ID()]
			a.onIdentified(p.conn, p.info)
		}))
	}
	redeliver()
	redeliver()

	assert.Never(t, func() bool {
		calls, _ := res.counts()
		return calls > 1
	}, 300*time.Millisecond, 10*time.Millisecond)
	calls, violations := res.counts()
	assert.Equal(t, 1, calls)
	assert.Zero(t, violations)
	assert.Equal(t, types.PeerRelayReserved, a.state(t, r.ID()))
}

func TestRelayIntentFiresOnceOnIdentify(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{}
	a := newTestNode(t, mn, nil, WithReserver(res))
	res.net = a.Network
	r := newTestNode(t, mn, nil)
	reserved := a.subscribe(t, new(types.EvtRelayReserved))

	relayID, err := a.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	assert.Equal(t, r.ID(), relayID)

	evt := nextEvent(t, reserved, func(e types.EvtRelayReserved) bool { return e.Relay == r.ID() })
	assert.False(t, evt.Expiration.IsZero())
	assert.Equal(t, types.PeerRelayReserved, a.state(t, r.ID()))

	// Adding the relay again or waiting does not fire another request.
	_, err = a.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	calls, violations := res.counts()
	assert.Equal(t, 1, calls)
	assert.Zero(t, violations)

	relays, err := a.Relays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.PeerID{r.ID()}, relays)

	reservations, err := a.Reservations(context.Background())
	require.NoError(t, err)
	require.Len(t, reservations, 1)
}

func TestRelayIntentFiresAgainAfterReconnect(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{}
	a := newTestNode(t, mn, nil, WithReserver(res))
	res.net = a.Network
	r := newTestNode(t, mn, nil)
	reserved := a.subscribe(t, new(types.EvtRelayReserved))

	_, err := a.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	nextEvent(t, reserved, func(e types.EvtRelayReserved) bool { return e.Relay == r.ID() })

	require.NoError(t, a.Disconnect(context.Background(), r.ID()))
	require.Eventually(t, func() bool { return !a.IsIdentified(r.ID()) }, waitFor, 10*time.Millisecond)

	// A manual reconnect identifies the relay again and the intent fires
	// from that transition.
	connect(t, a, r)
	nextEvent(t, reserved, func(e types.EvtRelayReserved) bool { return e.Relay == r.ID() })
	calls, violations := res.counts()
	assert.Equal(t, 2, calls)
	assert.Zero(t, violations)
}

func TestReservationFailureRevertsState(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	res := &countingReserver{fail: errors.New("refused")}
	a := newTestNode(t, mn, nil, WithReserver(res))
	res.net = a.Network
	r := newTestNode(t, mn, nil)

	_, err := a.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		calls, _ := res.counts()
		return calls == 1 && a.state(t, r.ID()) == types.PeerIdentified
	}, waitFor, 10*time.Millisecond)
}

func TestAddRelayRejectsBadAddresses(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	a := newTestNode(t, mn, nil)

	_, err := a.AddRelay(context.Background(), a.ListenAddrs()[0])
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = a.AddRelay(context.Background(), a.fullAddr(t))
	assert.ErrorIs(t, err, ErrSelfDial)
}

func TestRelayedConnectionEndToEnd(t *testing.T) {
	mn := transport.NewMemoryNetwork()
	relayCfg := testConfig()
	relayCfg.Relay.EnableServer = true
	r := newTestNode(t, mn, relayCfg)
	a := newTestNode(t, mn, nil)
	b := newTestNode(t, mn, nil)
	reserved := b.subscribe(t, new(types.EvtRelayReserved))

	require.NoError(t, b.Handle(protocol.KindIdentityRequest, func(context.Context, types.PeerID, protocol.Message) (protocol.Message, error) {
		return &protocol.IdentityResponse{Profile: types.Profile{DisplayName: "behind-nat"}}, nil
	}))

	_, err := b.AddRelay(context.Background(), r.fullAddr(t))
	require.NoError(t, err)
	evt := nextEvent(t, reserved, func(e types.EvtRelayReserved) bool { return e.Relay == r.ID() })
	require.NotEmpty(t, evt.Addrs)
	require.NotEmpty(t, b.RelayAddrs())
	assert.True(t, r.RelayServer().HasReservation(b.ID()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Connect(ctx, types.AddrInfo{ID: b.ID(), Addrs: evt.Addrs}))

	info, err := a.Peer(ctx, b.ID())
	require.NoError(t, err)
	assert.True(t, info.Relayed)

	resp, err := a.Request(ctx, b.ID(), &protocol.IdentityRequest{})
	require.NoError(t, err)
	assert.Equal(t, "behind-nat", resp.(*protocol.IdentityResponse).Profile.DisplayName)
	assert.Equal(t, 1, r.RelayServer().Stats().Circuits)
}
