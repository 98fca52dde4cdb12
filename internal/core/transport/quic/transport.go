package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("transport/quic")

var _ pkgif.Transport = (*Transport)(nil)

// Config tunes the QUIC connections.
type Config struct {
	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	MaxStreams       int64
}

// DefaultConfig returns the default QUIC settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		MaxIdleTimeout:   30 * time.Second,
		KeepAlivePeriod:  10 * time.Second,
		MaxStreams:       256,
	}
}

// ConfigFrom derives the QUIC settings from the network section.
func ConfigFrom(cfg config.NetworkConfig) Config {
	c := DefaultConfig()
	if d := cfg.IdleTimeout.Duration(); d > 0 {
		c.MaxIdleTimeout = d
		c.KeepAlivePeriod = d / 3
	}
	if d := cfg.DialTimeout.Duration(); d > 0 && d < c.HandshakeTimeout {
		c.HandshakeTimeout = d
	}
	return c
}

func (c Config) quic() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  c.HandshakeTimeout,
		MaxIdleTimeout:        c.MaxIdleTimeout,
		KeepAlivePeriod:       c.KeepAlivePeriod,
		MaxIncomingStreams:    c.MaxStreams,
		MaxIncomingUniStreams: -1,
	}
}

// Transport is the QUIC transport. Listening and dialing share one UDP
// socket: a hole-punching dial must leave from the port the remote side
// already saw, or the NAT maps a fresh one and the punch fails.
type Transport struct {
	localPeer types.PeerID
	protos    *transport.Protocols
	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config

	mu       sync.Mutex
	qt       *quic.Transport
	udpConn  *net.UDPConn
	listener *Listener
	closed   bool
}

// New returns a transport authenticating as priv.
func New(priv ed25519.PrivateKey, protos *transport.Protocols, cfg Config) (*Transport, error) {
	serverTLS, clientTLS, err := NewTLSConfig(priv)
	if err != nil {
		return nil, err
	}
	local, err := types.PeerIDFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Transport{
		localPeer: local,
		protos:    protos,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		config:    cfg.quic(),
	}, nil
}

// socket returns the shared quic.Transport, binding bind if none exists.
// Callers hold t.mu.
func (t *Transport) socket(bind *net.UDPAddr) (*quic.Transport, error) {
	if t.qt != nil {
		return t.qt, nil
	}
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: listen udp: %v", types.ErrTransport, err)
	}
	t.udpConn = conn
	t.qt = &quic.Transport{Conn: conn}
	return t.qt, nil
}

// CanDial accepts direct QUIC addresses.
func (t *Transport) CanDial(addr ma.Multiaddr) bool { return IsQUICAddr(addr) }

// Dial connects to peer at addr and verifies the handshake proved peer.
// An empty peer accepts whatever identity the remote proves.
func (t *Transport) Dial(ctx context.Context, addr ma.Multiaddr, peer types.PeerID) (pkgif.Conn, error) {
	raddr, err := ToUDPAddr(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	qt, err := t.socket(&net.UDPAddr{})
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	qc, err := qt.Dial(ctx, raddr, t.clientTLS, t.config)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrTransport, addr, err)
	}
	remote, err := PeerIDFromState(qc.ConnectionState().TLS)
	if err != nil {
		_ = qc.CloseWithError(1, "identity")
		return nil, err
	}
	if !peer.IsEmpty() && remote != peer {
		_ = qc.CloseWithError(1, "peer id mismatch")
		return nil, fmt.Errorf("%w: dialed %s, got %s", transport.ErrPeerIDMismatch, peer.ShortString(), remote.ShortString())
	}
	log.Debug("dialed", "peer", remote.ShortString(), "addr", addr)
	return newConn(qc, t.protos, t.localPeer, remote), nil
}

// Listen binds addr and starts accepting connections. A transport listens
// on at most one socket; if a dial already bound one, Listen reuses it.
func (t *Transport) Listen(addr ma.Multiaddr) (pkgif.Listener, error) {
	laddr, err := ToUDPAddr(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}
	qt, err := t.socket(laddr)
	if err != nil {
		return nil, err
	}
	ql, err := qt.Listen(t.serverTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", types.ErrTransport, err)
	}
	bound, err := FromNetAddr(t.udpConn.LocalAddr())
	if err != nil {
		_ = ql.Close()
		return nil, err
	}
	t.listener = &Listener{ql: ql, addr: bound, transport: t}
	log.Info("listening", "addr", bound)
	return t.listener, nil
}

func (t *Transport) listenerClosed(l *Listener) {
	t.mu.Lock()
	if t.listener == l {
		t.listener = nil
	}
	t.mu.Unlock()
}

// LocalPeer returns the identity this transport authenticates as.
func (t *Transport) LocalPeer() types.PeerID { return t.localPeer }

// Close closes the listener, every connection and the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l, qt, conn := t.listener, t.qt, t.udpConn
	t.listener, t.qt, t.udpConn = nil, nil, nil
	t.mu.Unlock()

	var err error
	if l != nil {
		err = multierr.Append(err, l.ql.Close())
		l.closed.Store(true)
	}
	if qt != nil {
		err = multierr.Append(err, qt.Close())
	}
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	return err
}
