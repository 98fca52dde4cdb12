package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("transport")

var _ pkgif.Conn = (*MuxedConn)(nil)

// YamuxConfig returns the session settings used for multiplexed byte
// streams.
func YamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 15 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.StreamOpenTimeout = 30 * time.Second
	return cfg
}

// MuxedParams describes the two ends of a multiplexed connection.
type MuxedParams struct {
	Local      types.PeerID
	Remote     types.PeerID
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
	Relayed    bool
	Protocols  *Protocols
}

// MuxedConn runs a yamux session over a single authenticated byte stream.
// The memory transport and relay circuits both produce it.
type MuxedConn struct {
	params  MuxedParams
	session *yamux.Session

	closeOnce sync.Once
	closeErr  error
}

// NewMuxedConn starts a yamux session on rwc. Exactly one side of rwc must
// pass server.
func NewMuxedConn(rwc io.ReadWriteCloser, server bool, p MuxedParams) (*MuxedConn, error) {
	if p.Protocols == nil {
		return nil, errors.New("muxed conn: protocols required")
	}
	var (
		session *yamux.Session
		err     error
	)
	if server {
		session, err = yamux.Server(rwc, YamuxConfig())
	} else {
		session, err = yamux.Client(rwc, YamuxConfig())
	}
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("%w: yamux: %v", types.ErrTransport, err)
	}
	return &MuxedConn{params: p, session: session}, nil
}

func (c *MuxedConn) LocalPeer() types.PeerID  { return c.params.Local }
func (c *MuxedConn) RemotePeer() types.PeerID { return c.params.Remote }
func (c *MuxedConn) LocalAddr() ma.Multiaddr  { return c.params.LocalAddr }
func (c *MuxedConn) RemoteAddr() ma.Multiaddr { return c.params.RemoteAddr }
func (c *MuxedConn) Relayed() bool            { return c.params.Relayed }

// OpenStream opens a stream and selects protocol on it.
func (c *MuxedConn) OpenStream(ctx context.Context, protocol string) (pkgif.Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", types.ErrTransport, err)
	}
	if err := WithContext(ctx, s, func() error { return Select(s, protocol) }); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &yamuxStream{Stream: s, protocol: protocol}, nil
}

// AcceptStream returns the next inbound stream whose negotiation succeeded.
// Streams proposing an unknown protocol are closed and skipped.
func (c *MuxedConn) AcceptStream(ctx context.Context) (pkgif.Stream, error) {
	for {
		s, err := c.session.AcceptStreamWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: accept stream: %v", types.ErrTransport, err)
		}

		nctx, cancel := context.WithTimeout(ctx, NegotiateTimeout)
		var proto string
		err = WithContext(nctx, s, func() error {
			var nerr error
			proto, nerr = c.params.Protocols.Negotiate(s)
			return nerr
		})
		cancel()
		if err != nil {
			log.Debug("inbound stream negotiation failed",
				"peer", c.params.Remote.ShortString(), "error", err)
			_ = s.Close()
			continue
		}
		return &yamuxStream{Stream: s, protocol: proto}, nil
	}
}

// Done is closed when the session ends.
func (c *MuxedConn) Done() <-chan struct{} { return c.session.CloseChan() }

// NumStreams returns the number of open streams.
func (c *MuxedConn) NumStreams() int { return c.session.NumStreams() }

// Close tears down the session and the underlying byte stream.
func (c *MuxedConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.session.Close() })
	return c.closeErr
}

type yamuxStream struct {
	*yamux.Stream
	protocol string
}

func (s *yamuxStream) Protocol() string { return s.protocol }

// Reset unblocks both directions and closes the stream.
func (s *yamuxStream) Reset() error {
	_ = s.Stream.SetDeadline(time.Unix(1, 0))
	return s.Stream.Close()
}
