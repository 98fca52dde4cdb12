package quic

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"

	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var _ pkgif.Conn = (*Conn)(nil)

// Conn is an authenticated QUIC connection.
type Conn struct {
	qc         quic.Connection
	protos     *transport.Protocols
	localPeer  types.PeerID
	remotePeer types.PeerID
	localAddr  ma.Multiaddr
	remoteAddr ma.Multiaddr
}

func newConn(qc quic.Connection, protos *transport.Protocols, local, remote types.PeerID) *Conn {
	c := &Conn{qc: qc, protos: protos, localPeer: local, remotePeer: remote}
	if a, err := FromNetAddr(qc.LocalAddr()); err == nil {
		c.localAddr = a
	}
	if a, err := FromNetAddr(qc.RemoteAddr()); err == nil {
		c.remoteAddr = a
	}
	return c
}

func (c *Conn) LocalPeer() types.PeerID  { return c.localPeer }
func (c *Conn) RemotePeer() types.PeerID { return c.remotePeer }
func (c *Conn) LocalAddr() ma.Multiaddr  { return c.localAddr }
func (c *Conn) RemoteAddr() ma.Multiaddr { return c.remoteAddr }
func (c *Conn) Relayed() bool            { return false }

// OpenStream opens a bidirectional stream and selects protocol on it.
func (c *Conn) OpenStream(ctx context.Context, protocol string) (pkgif.Stream, error) {
	qs, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", types.ErrTransport, err)
	}
	if err := transport.WithContext(ctx, qs, func() error { return transport.Select(qs, protocol) }); err != nil {
		qs.CancelRead(0)
		qs.CancelWrite(0)
		return nil, err
	}
	return newStream(qs, protocol), nil
}

// AcceptStream returns the next inbound stream whose negotiation succeeded.
func (c *Conn) AcceptStream(ctx context.Context) (pkgif.Stream, error) {
	for {
		qs, err := c.qc.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: accept stream: %v", types.ErrTransport, err)
		}

		nctx, cancel := context.WithTimeout(ctx, transport.NegotiateTimeout)
		var proto string
		err = transport.WithContext(nctx, qs, func() error {
			var nerr error
			proto, nerr = c.protos.Negotiate(qs)
			return nerr
		})
		cancel()
		if err != nil {
			log.Debug("inbound stream negotiation failed", "peer", c.remotePeer.ShortString(), "error", err)
			qs.CancelRead(0)
			qs.CancelWrite(0)
			continue
		}
		return newStream(qs, proto), nil
	}
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.qc.Context().Done() }

// Close closes the connection with the no-error code.
func (c *Conn) Close() error {
	return c.qc.CloseWithError(0, "closed")
}
