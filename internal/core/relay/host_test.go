package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

const echoProtocol = "/test/echo/1.0.0"

// testHost is a minimal pkgif.Host over the memory transport.
type testHost struct {
	t      *testing.T
	ident  *identity.Identity
	mgr    *transport.Manager
	protos *transport.Protocols
	addrs  []ma.Multiaddr
	client *Client

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[types.PeerID]pkgif.Conn
	handlers map[string]pkgif.StreamHandler
}

func newTestHost(t *testing.T, mn *transport.MemoryNetwork) *testHost {
	t.Helper()
	ident, err := identity.Generate(types.Profile{DisplayName: t.Name()})
	require.NoError(t, err)

	protos := transport.NewProtocols(protocolids.RelayHop, protocolids.RelayStop, echoProtocol)
	h := &testHost{
		t:        t,
		ident:    ident,
		protos:   protos,
		conns:    make(map[types.PeerID]pkgif.Conn),
		handlers: make(map[string]pkgif.StreamHandler),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	mem := mn.Transport(ident.PeerID(), protos)
	h.client = NewClient(h, ident, protos, nil)
	h.client.Start()
	h.mgr = transport.NewManager(mem, h.client)

	for _, s := range []string{"/ip4/127.0.0.1/udp/0/quic-v1", "/p2p-circuit"} {
		ln, err := h.mgr.Listen(ma.StringCast(s))
		require.NoError(t, err)
		if !h.client.CanListen(ln.Addr()) {
			h.addrs = append(h.addrs, ln.Addr())
		}
		go h.acceptLoop(ln)
	}

	t.Cleanup(func() {
		h.cancel()
		_ = h.mgr.Close()
		h.mu.Lock()
		for _, c := range h.conns {
			_ = c.Close()
		}
		h.mu.Unlock()
	})
	return h
}

func (h *testHost) acceptLoop(ln pkgif.Listener) {
	defer ln.Close()
	for {
		c, err := ln.Accept(h.ctx)
		if err != nil {
			return
		}
		h.addConn(c)
	}
}

func (h *testHost) addConn(c pkgif.Conn) {
	h.mu.Lock()
	h.conns[c.RemotePeer()] = c
	h.mu.Unlock()
	go func() {
		for {
			s, err := c.AcceptStream(h.ctx)
			if err != nil {
				return
			}
			h.mu.Lock()
			handler := h.handlers[s.Protocol()]
			h.mu.Unlock()
			if handler == nil {
				_ = s.Reset()
				continue
			}
			go handler(s, c.RemotePeer())
		}
	}()
}

func (h *testHost) ID() types.PeerID { return h.ident.PeerID() }

func (h *testHost) Connect(ctx context.Context, info types.AddrInfo) error {
	h.mu.Lock()
	_, ok := h.conns[info.ID]
	h.mu.Unlock()
	if ok {
		return nil
	}
	var errs error
	for _, a := range info.Addrs {
		c, err := h.mgr.Dial(ctx, a, info.ID)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		h.addConn(c)
		return nil
	}
	if errs == nil {
		errs = fmt.Errorf("%w: no addresses", types.ErrPeerUnreachable)
	}
	return errs
}

func (h *testHost) NewStream(ctx context.Context, peer types.PeerID, proto string) (pkgif.Stream, error) {
	h.mu.Lock()
	c, ok := h.conns[peer]
	h.mu.Unlock()
	if !ok {
		return nil, types.ErrPeerUnreachable
	}
	return c.OpenStream(ctx, proto)
}

func (h *testHost) SetStreamHandler(proto string, handler pkgif.StreamHandler) {
	h.mu.Lock()
	h.handlers[proto] = handler
	h.mu.Unlock()
}

func (h *testHost) RemoveStreamHandler(proto string) {
	h.mu.Lock()
	delete(h.handlers, proto)
	h.mu.Unlock()
}

func (h *testHost) Addrs() []ma.Multiaddr { return h.addrs }

func (h *testHost) info() types.AddrInfo {
	return types.AddrInfo{ID: h.ID(), Addrs: h.addrs}
}

func testServerConfig() config.RelayServerConfig {
	cfg := config.DefaultRelayConfig().Server
	cfg.MaxReservations = 4
	cfg.MaxCircuits = 4
	return cfg
}
