package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// MemoryNetwork connects MemoryTransports inside one process. Addresses look
// like loopback QUIC addresses so the rest of the stack treats them like
// real ones.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	nextPort  int
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener), nextPort: 40000}
}

// Transport returns a transport for local on this network.
func (n *MemoryNetwork) Transport(local types.PeerID, protos *Protocols) *MemoryTransport {
	return &MemoryTransport{network: n, local: local, protos: protos}
}

func (n *MemoryNetwork) addr(port int) ma.Multiaddr {
	return ma.StringCast("/ip4/127.0.0.1/udp/" + strconv.Itoa(port) + "/quic-v1")
}

func (n *MemoryNetwork) allocPort() int {
	n.nextPort++
	return n.nextPort
}

var _ pkgif.Transport = (*MemoryTransport)(nil)

// MemoryTransport dials and listens on a MemoryNetwork. Connections are
// net.Pipe pairs carrying a yamux session.
type MemoryTransport struct {
	network *MemoryNetwork
	local   types.PeerID
	protos  *Protocols

	mu        sync.Mutex
	listeners []*memoryListener
	closed    bool
}

// CanDial accepts direct loopback QUIC addresses.
func (t *MemoryTransport) CanDial(addr ma.Multiaddr) bool {
	if addrutil.IsCircuit(addr) {
		return false
	}
	_, err := addrutil.StripPeer(addr).ValueForProtocol(ma.P_QUIC_V1)
	return err == nil
}

// Dial connects to the listener registered at addr.
func (t *MemoryTransport) Dial(ctx context.Context, addr ma.Multiaddr, peer types.PeerID) (pkgif.Conn, error) {
	if !t.CanDial(addr) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	key := addrutil.StripPeer(addr).String()

	t.network.mu.Lock()
	l, ok := t.network.listeners[key]
	localAddr := t.network.addr(t.network.allocPort())
	t.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: connection refused: %s", types.ErrTransport, key)
	}
	if !peer.IsEmpty() && l.owner.local != peer {
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrPeerIDMismatch, peer.ShortString(), l.owner.local.ShortString())
	}

	c1, c2 := net.Pipe()
	inbound := pendingConn{rwc: c2, remote: t.local, remoteAddr: localAddr}
	select {
	case l.pending <- inbound:
	case <-l.done:
		_ = c1.Close()
		_ = c2.Close()
		return nil, fmt.Errorf("%w: listener closed", types.ErrTransport)
	case <-ctx.Done():
		_ = c1.Close()
		_ = c2.Close()
		return nil, ctx.Err()
	}

	return NewMuxedConn(c1, false, MuxedParams{
		Local:      t.local,
		Remote:     l.owner.local,
		LocalAddr:  localAddr,
		RemoteAddr: l.addr,
		Protocols:  t.protos,
	})
}

// Listen registers a listener. Port 0 picks a free port.
func (t *MemoryTransport) Listen(addr ma.Multiaddr) (pkgif.Listener, error) {
	if !t.CanDial(addr) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	portStr, err := addr.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	t.network.mu.Lock()
	if port == 0 {
		port = t.network.allocPort()
	}
	bound := t.network.addr(port)
	if _, taken := t.network.listeners[bound.String()]; taken {
		t.network.mu.Unlock()
		return nil, fmt.Errorf("%w: address in use: %s", types.ErrTransport, bound)
	}
	l := &memoryListener{
		owner:   t,
		addr:    bound,
		pending: make(chan pendingConn, 16),
		done:    make(chan struct{}),
	}
	t.network.listeners[bound.String()] = l
	t.network.mu.Unlock()

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close closes every listener of this transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ls := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, l := range ls {
		_ = l.Close()
	}
	return nil
}

type pendingConn struct {
	rwc        net.Conn
	remote     types.PeerID
	remoteAddr ma.Multiaddr
}

type memoryListener struct {
	owner   *MemoryTransport
	addr    ma.Multiaddr
	pending chan pendingConn
	done    chan struct{}
	once    sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (pkgif.Conn, error) {
	select {
	case p := <-l.pending:
		return NewMuxedConn(p.rwc, true, MuxedParams{
			Local:      l.owner.local,
			Remote:     p.remote,
			LocalAddr:  l.addr,
			RemoteAddr: p.remoteAddr,
			Protocols:  l.owner.protos,
		})
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Addr() ma.Multiaddr { return l.addr }

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		mn := l.owner.network
		mn.mu.Lock()
		delete(mn.listeners, l.addr.String())
		mn.mu.Unlock()
		for {
			select {
			case p := <-l.pending:
				_ = p.rwc.Close()
			default:
				return
			}
		}
	})
	return nil
}
