package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/eventbus"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/relay"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

const waitFor = 5 * time.Second

type testNode struct {
	*Network
	ident *identity.Identity
	bus   *eventbus.Bus
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Network.ListenAddrs = []string{"/ip4/127.0.0.1/udp/0/quic-v1"}
	cfg.Network.RequestTimeout = config.Duration(2 * time.Second)
	cfg.Network.IdentifyTimeout = config.Duration(2 * time.Second)
	cfg.Network.DialTimeout = config.Duration(2 * time.Second)
	cfg.Network.Workers = 4
	return cfg
}

func newTestNode(t *testing.T, mn *transport.MemoryNetwork, cfg *config.Config, opts ...Option) *testNode {
	t.Helper()
	return newWrappedNode(t, mn, cfg, nil, opts...)
}

// newWrappedNode is newTestNode with the memory transport passed through
// wrap first.
func newWrappedNode(t *testing.T, mn *transport.MemoryNetwork, cfg *config.Config, wrap func(pkgif.Transport) pkgif.Transport, opts ...Option) *testNode {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	ident, err := identity.Generate(types.Profile{DisplayName: t.Name()})
	require.NoError(t, err)

	bus := eventbus.NewBus()
	protos := transport.NewProtocols()
	var mem pkgif.Transport = mn.Transport(ident.PeerID(), protos)
	if wrap != nil {
		mem = wrap(mem)
	}
	opts = append([]Option{WithTransports(mem), WithEventBus(bus)}, opts...)
	n, err := New(cfg, ident, protos, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	return &testNode{Network: n, ident: ident, bus: bus}
}

// info returns the address info other nodes dial n with.
func (n *testNode) info() types.AddrInfo {
	return types.AddrInfo{ID: n.ID(), Addrs: n.ListenAddrs()}
}

func (n *testNode) fullAddr(t *testing.T) ma.Multiaddr {
	t.Helper()
	addr, err := addrutil.WithPeer(n.ListenAddrs()[0], n.ID())
	require.NoError(t, err)
	return addr
}

func (n *testNode) state(t *testing.T, id types.PeerID) types.PeerState {
	t.Helper()
	info, err := n.Peer(context.Background(), id)
	if err != nil {
		return types.PeerDiscovered
	}
	return info.State
}

func (n *testNode) subscribe(t *testing.T, evt any) pkgif.Subscription {
	t.Helper()
	sub, err := n.bus.Subscribe(evt, eventbus.BufSize(64))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func connect(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Connect(ctx, b.info()))
	require.Eventually(t, func() bool { return b.IsIdentified(a.ID()) }, waitFor, 10*time.Millisecond)
}

// nextEvent waits for an event matching match.
func nextEvent[T any](t *testing.T, sub pkgif.Subscription, match func(T) bool) T {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case e := <-sub.Out():
			if evt, ok := e.(T); ok && match(evt) {
				return evt
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

// countingReserver records reservation attempts and whether the relay was
// Identified at the time.
type countingReserver struct {
	net *Network

	mu         sync.Mutex
	calls      int
	violations int
	fail       error
}

func (r *countingReserver) Reserve(_ context.Context, id types.PeerID) (*relay.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.net != nil && !r.net.IsIdentified(id) {
		r.violations++
	}
	if r.fail != nil {
		return nil, r.fail
	}
	return &relay.Reservation{Relay: id, Expiration: time.Now().Add(time.Hour)}, nil
}

func (r *countingReserver) Forget(types.PeerID) {}

func (r *countingReserver) Addrs() []ma.Multiaddr { return nil }

func (r *countingReserver) counts() (calls, violations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.violations
}

// heldIdentify holds Identify streams on dialed connections in both
// directions until release is called, keeping the remote Connected but
// not Identified.
type heldIdentify struct {
	pkgif.Transport
	released chan struct{}
	once     sync.Once
}

func newHeldIdentify(tr pkgif.Transport) *heldIdentify {
	return &heldIdentify{Transport: tr, released: make(chan struct{})}
}

func (h *heldIdentify) release() { h.once.Do(func() { close(h.released) }) }

func (h *heldIdentify) Dial(ctx context.Context, addr ma.Multiaddr, id types.PeerID) (pkgif.Conn, error) {
	c, err := h.Transport.Dial(ctx, addr, id)
	if err != nil {
		return nil, err
	}
	return &heldConn{Conn: c, released: h.released}, nil
}

type heldConn struct {
	pkgif.Conn
	released chan struct{}
}

func (c *heldConn) wait(ctx context.Context) error {
	select {
	case <-c.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return errors.New("connection closed")
	}
}

func (c *heldConn) OpenStream(ctx context.Context, proto string) (pkgif.Stream, error) {
	if proto == protocolids.Identify {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.Conn.OpenStream(ctx, proto)
}

func (c *heldConn) AcceptStream(ctx context.Context) (pkgif.Stream, error) {
	s, err := c.Conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	if s.Protocol() == protocolids.Identify {
		if err := c.wait(ctx); err != nil {
			_ = s.Reset()
			return nil, err
		}
	}
	return s, nil
}
