package network

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

var _ pkgif.Host = (*Network)(nil)

// NewStream opens a stream to a connected peer. Unlike Request it does not
// require the peer to be Identified, so relay and hole punching can run
// before Identify completes.
func (n *Network) NewStream(ctx context.Context, to types.PeerID, protocol string) (pkgif.Stream, error) {
	var c *connection
	err := n.exec(ctx, func() {
		if p, ok := n.peers[to]; ok {
			c = p.conn
		}
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, to.ShortString())
	}
	return c.OpenStream(ctx, protocol)
}

// SetStreamHandler serves inbound streams of protocol with h.
func (n *Network) SetStreamHandler(protocol string, h pkgif.StreamHandler) {
	n.handlersMu.Lock()
	n.handlers[protocol] = h
	n.handlersMu.Unlock()
	n.protos.Add(protocol)
}

// RemoveStreamHandler stops serving protocol.
func (n *Network) RemoveStreamHandler(protocol string) {
	n.protos.Remove(protocol)
	n.handlersMu.Lock()
	delete(n.handlers, protocol)
	n.handlersMu.Unlock()
}

func (n *Network) streamHandler(protocol string) pkgif.StreamHandler {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()
	return n.handlers[protocol]
}

// handleStream routes one inbound stream by its negotiated protocol.
func (n *Network) handleStream(c *connection, s pkgif.Stream) {
	switch proto := s.Protocol(); proto {
	case protocolids.Identify:
		go n.handleIdentify(c, s)
	case protocolids.Messages:
		if !n.runInbound(c.ctx, func() { n.handleMessage(c, s) }) {
			_ = s.Reset()
		}
	default:
		h := n.streamHandler(proto)
		if h == nil {
			log.Debug("no handler for stream", "protocol", proto, "peer", c.RemotePeer().ShortString())
			_ = s.Reset()
			return
		}
		go h(s, c.RemotePeer())
	}
}

// DialDirect dials peer on direct addresses and adopts the first
// connection that succeeds. Hole punching calls it.
func (n *Network) DialDirect(ctx context.Context, to types.PeerID, addrs []ma.Multiaddr) error {
	var lastErr error
	for _, a := range addrs {
		if addrutil.IsCircuit(a) || !n.transports.CanDial(a) {
			continue
		}
		c, err := n.transports.Dial(ctx, addrutil.StripPeer(a), to)
		if err != nil {
			lastErr = err
			continue
		}
		n.post(func() { n.adopt(c, true) })
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("%w: no direct address for %s", types.ErrPeerUnreachable, to.ShortString())
	}
	return fmt.Errorf("%w: %v", types.ErrPeerUnreachable, lastErr)
}
