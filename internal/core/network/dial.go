package network

import (
	"context"
	"fmt"
	"sort"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// Connect dials info unless a connection exists and waits until the peer
// is Identified.
func (n *Network) Connect(ctx context.Context, info types.AddrInfo) error {
	if info.ID == n.local {
		return ErrSelfDial
	}
	if err := info.ID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if n.isIdentified(info.ID) {
		return nil
	}
	done := make(chan error, 1)
	if err := n.exec(ctx, func() { n.connectLocked(info.ID, info.Addrs, done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNotRunning
	}
}

// connectLocked starts a dial to id unless one is running or a connection
// exists. done, if set, receives the outcome once the peer is Identified or
// the attempt failed.
func (n *Network) connectLocked(id types.PeerID, addrs []ma.Multiaddr, done chan error) {
	reply := func(err error) {
		if done != nil {
			done <- err
		}
	}
	if id == n.local {
		reply(ErrSelfDial)
		return
	}
	if _, ok := n.blocked[id]; ok {
		reply(ErrBlocked)
		return
	}
	p, _ := n.ensurePeer(id)
	if p.mergeAddrs(addrs) {
		n.persistPeer(p)
	}
	if p.state.IsIdentified() {
		reply(nil)
		return
	}
	if done != nil {
		p.waiters = append(p.waiters, done)
	}
	if p.conn != nil || p.dialing {
		return
	}

	p.dialing = true
	p.failed = false
	n.setState(p, types.PeerDialing)
	targets := n.rankAddrs(p.addrs)
	n.spawn(func() {
		c, err := n.dialPeer(n.ctx, id, targets)
		n.post(func() { n.onDialDone(id, c, err) })
	})
}

// dialPeer tries addrs in order, each under the dial timeout. Without
// addresses it asks the peer routing first.
func (n *Network) dialPeer(ctx context.Context, id types.PeerID, addrs []ma.Multiaddr) (pkgif.Conn, error) {
	if len(addrs) == 0 {
		if r := n.peerRouting(); r != nil {
			info, err := r.FindPeer(ctx, id)
			if err == nil {
				addrs = n.rankAddrs(info.Addrs)
			} else {
				log.Debug("peer routing failed", "peer", id.ShortString(), "error", err)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %s", types.ErrPeerUnreachable, id.ShortString())
	}

	var errs error
	for _, addr := range addrs {
		if !n.transports.CanDial(addr) {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout.Duration())
		c, err := n.transports.Dial(dctx, addr, id)
		cancel()
		if err == nil {
			return c, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	if errs == nil {
		return nil, fmt.Errorf("%w: no dialable address for %s", types.ErrPeerUnreachable, id.ShortString())
	}
	return nil, fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, id.ShortString(), errs)
}

// rankAddrs orders direct addresses before relay circuits, public before
// private before loopback.
func (n *Network) rankAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := addrutil.FilterDialable(addrs, true)
	rank := func(a ma.Multiaddr) int {
		switch addrutil.Classify(a) {
		case addrutil.AddrPublic, addrutil.AddrDNS:
			return 0
		case addrutil.AddrPrivate:
			return 1
		case addrutil.AddrLoopback:
			return 2
		case addrutil.AddrRelay:
			return 4
		default:
			return 3
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

func (n *Network) onDialDone(id types.PeerID, c pkgif.Conn, err error) {
	p, _ := n.ensurePeer(id)
	p.dialing = false
	if err != nil {
		log.Debug("dial failed", "peer", id.ShortString(), "error", err)
		if p.conn == nil {
			n.setState(p, types.PeerFailed)
			n.resolveWaiters(p, err)
			n.scheduleRelayRedial(p)
		}
		return
	}
	n.adopt(c, true)
}

// ============================================================================
//                              Connection adoption
// ============================================================================

// adopt takes ownership of a fresh connection. A peer keeps one primary
// connection: direct wins over relayed, and between two of the same kind
// both sides keep the one dialed by the lower peer id.
func (n *Network) adopt(c pkgif.Conn, outbound bool) {
	id := c.RemotePeer()
	if id == n.local {
		_ = c.Close()
		return
	}
	if _, ok := n.blocked[id]; ok {
		log.Debug("rejecting blocked peer", "peer", id.ShortString())
		_ = c.Close()
		return
	}

	p, _ := n.ensurePeer(id)
	conn := newConnection(n.ctx, c, outbound, n.now())
	p.conns[conn] = struct{}{}
	n.metrics.ConnOpened(c.Relayed(), outbound)
	n.wg.Add(1)
	go n.serveConn(conn)

	switch {
	case p.conn == nil:
		p.conn = conn
		p.failed = false
		p.lastSeen = n.now()
		if outbound && !c.Relayed() {
			p.mergeAddrs([]ma.Multiaddr{c.RemoteAddr()})
		}
		n.setState(p, types.PeerConnected)
		n.emit(types.EvtPeerConnected{Peer: id, Relayed: c.Relayed()})
		n.startIdentify(conn)

	case n.preferred(conn, p.conn):
		old := p.conn
		p.conn = conn
		if old.Relayed() && !c.Relayed() {
			log.Info("connection upgraded to direct", "peer", id.ShortString())
			n.emit(types.EvtPeerConnected{Peer: id, Relayed: false})
		}
		if p.state.IsIdentified() {
			conn.identified = true
		} else {
			n.startIdentify(conn)
		}
		go func() { _ = old.Close() }()

	default:
		log.Debug("closing redundant connection", "peer", id.ShortString(), "relayed", c.Relayed())
		go func() { _ = conn.Close() }()
	}
}

// preferred reports whether a should replace b as primary connection.
func (n *Network) preferred(a, b *connection) bool {
	if a.Relayed() != b.Relayed() {
		return !a.Relayed()
	}
	lowerDialed := func(c *connection) bool {
		return c.outbound == (n.local < c.RemotePeer())
	}
	return lowerDialed(a) && !lowerDialed(b)
}

// onConnClosed runs when a connection has gone away.
func (n *Network) onConnClosed(c *connection) {
	c.cancel()
	n.metrics.ConnClosed(c.Relayed())

	id := c.RemotePeer()
	p, ok := n.peers[id]
	if !ok {
		return
	}
	if _, ok := p.conns[c]; !ok {
		return
	}
	delete(p.conns, c)
	if p.conn != c {
		return
	}

	p.conn = nil
	for other := range p.conns {
		if p.conn == nil || n.preferred(other, p.conn) {
			p.conn = other
		}
	}
	if p.conn != nil {
		if p.state.IsIdentified() {
			p.conn.identified = true
		}
		log.Debug("promoted connection", "peer", id.ShortString(), "relayed", p.conn.Relayed())
		return
	}

	p.lastSeen = n.now()
	to := types.PeerDisconnected
	reason := "connection closed"
	if p.failed {
		to = types.PeerFailed
		reason = "identify failed"
	}
	n.setState(p, to)
	n.emit(types.EvtPeerDisconnected{Peer: id, Reason: reason})
	n.resolveWaiters(p, ErrNotConnected)
	n.onRelayLost(p)
	n.persistPeer(p)
}

// serveConn dispatches inbound streams until the connection ends.
func (n *Network) serveConn(c *connection) {
	defer n.wg.Done()

	go func() {
		select {
		case <-c.Done():
			n.post(func() { n.onConnClosed(c) })
		case <-n.ctx.Done():
		}
	}()

	for {
		s, err := c.AcceptStream(c.ctx)
		if err != nil {
			return
		}
		n.handleStream(c, s)
	}
}
