package quic

import (
	"context"
	"fmt"
	"sync/atomic"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var _ pkgif.Listener = (*Listener)(nil)

// Listener accepts QUIC connections on the transport's socket.
type Listener struct {
	ql        *quic.Listener
	addr      ma.Multiaddr
	transport *Transport
	closed    atomic.Bool
}

// Accept waits for a connection whose handshake completed.
func (l *Listener) Accept(ctx context.Context) (pkgif.Conn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrListenerClosed
		}
		qc, err := l.ql.Accept(ctx)
		if err != nil {
			if l.closed.Load() {
				return nil, ErrListenerClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: accept: %v", types.ErrTransport, err)
		}
		remote, err := PeerIDFromState(qc.ConnectionState().TLS)
		if err != nil {
			log.Debug("rejecting connection without identity", "remote", qc.RemoteAddr(), "error", err)
			_ = qc.CloseWithError(1, "identity")
			continue
		}
		return newConn(qc, l.transport.protos, l.transport.localPeer, remote), nil
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() ma.Multiaddr { return l.addr }

// Close stops accepting. Established connections stay open.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.transport.listenerClosed(l)
	return l.ql.Close()
}
