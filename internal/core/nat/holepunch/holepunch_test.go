package holepunch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/identity"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// pipeStream is a pkgif.Stream over one end of net.Pipe.
type pipeStream struct {
	net.Conn
	proto string
}

func (s pipeStream) Protocol() string { return s.proto }
func (s pipeStream) Reset() error     { return s.Conn.Close() }

// pipeHost connects two Direct upgraders without a transport.
type pipeHost struct {
	id   types.PeerID
	peer *pipeHost

	mu       sync.Mutex
	handlers map[string]pkgif.StreamHandler
}

func newPipeHost(t *testing.T) *pipeHost {
	ident, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	return &pipeHost{id: ident.PeerID(), handlers: make(map[string]pkgif.StreamHandler)}
}

func (h *pipeHost) ID() types.PeerID                                  { return h.id }
func (h *pipeHost) Connect(context.Context, types.AddrInfo) error     { return nil }
func (h *pipeHost) Addrs() []ma.Multiaddr                             { return nil }
func (h *pipeHost) SetStreamHandler(p string, fn pkgif.StreamHandler) { h.set(p, fn) }
func (h *pipeHost) RemoveStreamHandler(p string)                      { h.set(p, nil) }

func (h *pipeHost) set(p string, fn pkgif.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.handlers, p)
		return
	}
	h.handlers[p] = fn
}

func (h *pipeHost) NewStream(_ context.Context, to types.PeerID, proto string) (pkgif.Stream, error) {
	if h.peer == nil || h.peer.id != to {
		return nil, types.ErrPeerUnreachable
	}
	h.peer.mu.Lock()
	fn := h.peer.handlers[proto]
	h.peer.mu.Unlock()
	if fn == nil {
		return nil, errors.New("protocol not supported")
	}
	c1, c2 := net.Pipe()
	go fn(pipeStream{Conn: c2, proto: proto}, h.id)
	return pipeStream{Conn: c1, proto: proto}, nil
}

type dialCall struct {
	peer  types.PeerID
	addrs []ma.Multiaddr
}

type recordingDialer struct {
	calls chan dialCall
	err   error
}

func (d *recordingDialer) DialDirect(_ context.Context, peer types.PeerID, addrs []ma.Multiaddr) error {
	d.calls <- dialCall{peer: peer, addrs: addrs}
	return d.err
}

func staticAddrs(ss ...string) func() []ma.Multiaddr {
	return func() []ma.Multiaddr {
		out := make([]ma.Multiaddr, 0, len(ss))
		for _, s := range ss {
			out = append(out, ma.StringCast(s))
		}
		return out
	}
}

func testHolePunchConfig() config.HolePunchConfig {
	cfg := config.DefaultHolePunchConfig()
	cfg.Enable = true
	cfg.Timeout = config.Duration(2 * time.Second)
	cfg.Retries = 2
	return cfg
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Message{Type: MsgConnect, Addrs: []string{"/ip4/1.2.3.4/udp/4001/quic-v1"}}
	require.NoError(t, writeMessage(&buf, in))

	out, err := readMessage(bufio.NewReader(&buf), MsgConnect)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMessageRejects(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, &Message{Type: MsgSync}))
	_, err := readMessage(bufio.NewReader(&buf), MsgConnect)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	var m Message
	assert.ErrorIs(t, m.unmarshal((&Message{Type: 9}).marshal()), ErrInvalidMessage)

	many := make([]string, MaxAddresses+1)
	for i := range many {
		many[i] = "/ip4/1.2.3.4/udp/1/quic-v1"
	}
	assert.ErrorIs(t, m.unmarshal((&Message{Type: MsgConnect, Addrs: many}).marshal()), ErrInvalidMessage)
}

func TestAddrStringsCapped(t *testing.T) {
	addrs := make([]ma.Multiaddr, MaxAddresses+4)
	for i := range addrs {
		addrs[i] = ma.StringCast("/ip4/1.2.3.4/udp/1/quic-v1")
	}
	assert.Len(t, addrStrings(addrs), MaxAddresses)
}

func TestDisabledIsNoop(t *testing.T) {
	u := Disabled()
	assert.False(t, u.Enabled())
	assert.NoError(t, u.Upgrade(context.Background(), "anything"))
	assert.NoError(t, u.Close())
}

func TestDirectUpgradeBothSidesDial(t *testing.T) {
	a, b := newPipeHost(t), newPipeHost(t)
	a.peer, b.peer = b, a

	da := &recordingDialer{calls: make(chan dialCall, 4)}
	db := &recordingDialer{calls: make(chan dialCall, 4)}
	ua := NewDirect(a, da, staticAddrs("/ip4/10.0.0.1/udp/4001/quic-v1"), testHolePunchConfig())
	ub := NewDirect(b, db, staticAddrs(
		"/ip4/10.0.0.2/udp/4001/quic-v1",
		"/ip4/10.0.0.3/udp/4001/quic-v1/p2p/"+a.id.String()+"/p2p-circuit/p2p/"+b.id.String(),
	), testHolePunchConfig())
	defer ua.Close()
	defer ub.Close()
	assert.True(t, ua.Enabled())

	require.NoError(t, ua.Upgrade(context.Background(), b.id))

	select {
	case c := <-da.calls:
		assert.Equal(t, b.id, c.peer)
		require.Len(t, c.addrs, 1, "circuits are never offered")
		assert.Equal(t, "/ip4/10.0.0.2/udp/4001/quic-v1", c.addrs[0].String())
	case <-time.After(time.Second):
		t.Fatal("initiator did not dial")
	}
	select {
	case c := <-db.calls:
		assert.Equal(t, a.id, c.peer)
		assert.Equal(t, "/ip4/10.0.0.1/udp/4001/quic-v1", c.addrs[0].String())
	case <-time.After(time.Second):
		t.Fatal("responder did not dial")
	}
}

func TestDirectUpgradeFailures(t *testing.T) {
	a, b := newPipeHost(t), newPipeHost(t)
	a.peer, b.peer = b, a

	// Without local direct addresses nothing is attempted.
	ua := NewDirect(a, &recordingDialer{calls: make(chan dialCall, 4)}, staticAddrs(), testHolePunchConfig())
	defer ua.Close()
	assert.ErrorIs(t, ua.Upgrade(context.Background(), b.id), ErrNoAddresses)

	// A peer without the responder fails every retry.
	ua2 := NewDirect(a, &recordingDialer{calls: make(chan dialCall, 4)}, staticAddrs("/ip4/10.0.0.1/udp/1/quic-v1"), testHolePunchConfig())
	defer ua2.Close()
	assert.Error(t, ua2.Upgrade(context.Background(), b.id))

	// The dial error surfaces to the initiator.
	failing := &recordingDialer{calls: make(chan dialCall, 4), err: types.ErrPeerUnreachable}
	ua3 := NewDirect(a, failing, staticAddrs("/ip4/10.0.0.1/udp/1/quic-v1"), testHolePunchConfig())
	ub := NewDirect(b, &recordingDialer{calls: make(chan dialCall, 4)}, staticAddrs("/ip4/10.0.0.2/udp/1/quic-v1"), testHolePunchConfig())
	defer ub.Close()
	defer ua3.Close()
	assert.ErrorIs(t, ua3.Upgrade(context.Background(), b.id), types.ErrPeerUnreachable)
}
