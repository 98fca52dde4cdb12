package network

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

// identifyMessage describes the local peer to the remote end of c.
func (n *Network) identifyMessage(c *connection) protocol.Identify {
	msg := protocol.Identify{
		ProtocolVersion: ProtocolVersion,
		AgentVersion:    AgentVersion,
		ListenAddrs:     addrStrings(n.Addrs()),
		RelayServer:     n.relayServer != nil,
	}
	if ra := c.RemoteAddr(); ra != nil && !addrutil.IsCircuit(ra) {
		msg.ObservedAddr = ra.String()
	}
	return msg
}

// startIdentify runs the outbound exchange on a worker. Both ends start
// one; whichever completes first identifies the peer.
func (n *Network) startIdentify(c *connection) {
	n.runIO(func() {
		ctx, cancel := context.WithTimeout(c.ctx, n.cfg.IdentifyTimeout.Duration())
		defer cancel()
		info, err := n.identify(ctx, c)
		n.post(func() {
			if err != nil {
				n.onIdentifyFailed(c, err)
				return
			}
			n.onIdentified(c, info)
		})
	})
}

func (n *Network) identify(ctx context.Context, c *connection) (*protocol.Identify, error) {
	s, err := c.OpenStream(ctx, protocolids.Identify)
	if err != nil {
		return nil, fmt.Errorf("%w: identify: %v", types.ErrTransport, err)
	}
	defer s.Close()

	var info *protocol.Identify
	err = transport.WithContext(ctx, s, func() error {
		req := n.identifyMessage(c)
		if err := protocol.WriteEnvelope(s, protocol.Seal(n.signer, &req, n.now())); err != nil {
			return err
		}
		env, err := protocol.ReadEnvelope(bufio.NewReader(s), n.cfg.MaxFrameSize)
		if err != nil {
			return err
		}
		if err := env.VerifyFrom(c.RemotePeer()); err != nil {
			return err
		}
		msg, err := env.Open()
		if err != nil {
			return err
		}
		resp, ok := msg.(*protocol.IdentifyResponse)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnexpectedKind, env.Kind)
		}
		info = &resp.Identify
		return nil
	})
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	return info, nil
}

// handleIdentify answers an inbound Identify and counts it as the remote's
// own view of itself.
func (n *Network) handleIdentify(c *connection, s pkgif.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(n.cfg.IdentifyTimeout.Duration()))

	env, err := protocol.ReadEnvelope(bufio.NewReader(s), n.cfg.MaxFrameSize)
	if err == nil {
		err = env.VerifyFrom(c.RemotePeer())
	}
	var req *protocol.Identify
	if err == nil {
		var msg protocol.Message
		if msg, err = env.Open(); err == nil {
			var ok bool
			if req, ok = msg.(*protocol.Identify); !ok {
				err = fmt.Errorf("%w: %s", ErrUnexpectedKind, env.Kind)
			}
		}
	}
	if err != nil {
		log.Debug("bad identify", "peer", c.RemotePeer().ShortString(), "error", err)
		n.metrics.MessageRejected("identify")
		_ = s.Reset()
		return
	}

	resp := &protocol.IdentifyResponse{Identify: n.identifyMessage(c)}
	if err := protocol.WriteEnvelope(s, protocol.Seal(n.signer, resp, n.now())); err != nil {
		_ = s.Reset()
		return
	}
	n.post(func() { n.onIdentified(c, req) })
}

// onIdentified completes Identify for c. The Identified transition happens
// once per connection session and is the only place reservation intents
// fire from.
func (n *Network) onIdentified(c *connection, info *protocol.Identify) {
	id := c.RemotePeer()
	p, ok := n.peers[id]
	if !ok {
		return
	}
	if _, live := p.conns[c]; !live {
		return
	}
	if err := checkVersion(info.ProtocolVersion); err != nil {
		log.Warn("incompatible peer", "peer", id.ShortString(), "version", info.ProtocolVersion)
		n.failConn(p, c, err)
		return
	}
	c.identified = true
	if p.conn != c {
		return
	}

	p.info = info
	p.mergeAddrs(parseAddrs(info.ListenAddrs))
	if n.recordObserved(id, info.ObservedAddr) {
		n.emitAddrs()
	}
	if p.state.IsIdentified() {
		return
	}

	p.lastSeen = n.now()
	n.setState(p, types.PeerIdentified)
	n.emit(types.EvtPeerIdentified{
		Peer:            id,
		ProtocolVersion: info.ProtocolVersion,
		ListenAddrs:     parseAddrs(info.ListenAddrs),
	})
	log.Info("peer identified", "peer", id.ShortString(), "relayed", c.Relayed(), "agent", info.AgentVersion)
	n.persistPeer(p)
	n.resolveWaiters(p, nil)
	n.fireIntent(p)

	if c.Relayed() && n.upgrader.Enabled() && n.local < id {
		n.runIO(func() {
			if err := n.upgrader.Upgrade(c.ctx, id); err != nil {
				log.Debug("direct upgrade failed, staying relayed", "peer", id.ShortString(), "error", err)
			}
		})
	}
}

func (n *Network) onIdentifyFailed(c *connection, err error) {
	p, ok := n.peers[c.RemotePeer()]
	if !ok || c.identified {
		return
	}
	if _, live := p.conns[c]; !live {
		return
	}
	log.Debug("identify failed", "peer", c.RemotePeer().ShortString(), "error", err)
	n.failConn(p, c, err)
}

// failConn closes c after a protocol failure. The peer ends Failed rather
// than Disconnected when c was its only connection.
func (n *Network) failConn(p *peer, c *connection, err error) {
	if p.conn == c && !p.state.IsIdentified() {
		p.failed = true
		n.resolveWaiters(p, err)
	}
	go func() { _ = c.Close() }()
}

// checkVersion accepts versions "harbor/<major>.x.y" with the local major.
func checkVersion(v string) error {
	major := func(v string) (string, bool) {
		name, ver, ok := strings.Cut(v, "/")
		if !ok || name != "harbor" {
			return "", false
		}
		m, _, _ := strings.Cut(ver, ".")
		return m, m != ""
	}
	want, _ := major(ProtocolVersion)
	got, ok := major(v)
	if !ok || got != want {
		return fmt.Errorf("%w: %q", ErrIncompatibleVersion, v)
	}
	return nil
}
