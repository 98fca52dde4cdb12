package network

import (
	"context"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/relay"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// connection is a live transport connection with its own context. Pending
// requests on it end when the context is cancelled.
type connection struct {
	pkgif.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	outbound bool
	opened   time.Time

	// identified is owned by the loop.
	identified bool
}

func newConnection(parent context.Context, c pkgif.Conn, outbound bool, now time.Time) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{Conn: c, ctx: ctx, cancel: cancel, outbound: outbound, opened: now}
}

// peer is the loop's record of one remote peer.
type peer struct {
	id    types.PeerID
	state types.PeerState
	addrs []ma.Multiaddr

	// conn is the primary connection; conns holds every live one.
	conn  *connection
	conns map[*connection]struct{}

	info        *protocol.Identify
	reservation *relay.Reservation
	dialing     bool
	failed      bool
	contact     bool
	displayName string
	lastSeen    time.Time
	waiters     []chan error
}

func newPeer(id types.PeerID, now time.Time) *peer {
	return &peer{
		id:       id,
		state:    types.PeerDiscovered,
		conns:    make(map[*connection]struct{}),
		lastSeen: now,
	}
}

// mergeAddrs adds addrs that are not yet known, dropping any /p2p/ suffix
// naming this peer. It reports whether anything was added.
func (p *peer) mergeAddrs(addrs []ma.Multiaddr) bool {
	changed := false
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if !addrutil.IsCircuit(a) {
			if id := addrutil.PeerOf(a); id != "" {
				if id != p.id {
					continue
				}
				a = addrutil.StripPeer(a)
			}
		}
		if containsAddr(p.addrs, a) {
			continue
		}
		p.addrs = append(p.addrs, a)
		changed = true
	}
	return changed
}

func (p *peer) relayed() bool { return p.conn != nil && p.conn.Relayed() }

func (p *peer) snapshot() types.PeerInfo {
	return types.PeerInfo{
		ID:          p.id,
		State:       p.state,
		Addrs:       append([]ma.Multiaddr(nil), p.addrs...),
		Relayed:     p.relayed(),
		DisplayName: p.displayName,
		Contact:     p.contact,
		LastSeen:    p.lastSeen,
	}
}

func containsAddr(addrs []ma.Multiaddr, a ma.Multiaddr) bool {
	for _, have := range addrs {
		if have.Equal(a) {
			return true
		}
	}
	return false
}

// ============================================================================
//                              Transitions
// ============================================================================

// ensurePeer returns the record of id, creating it in state Discovered.
func (n *Network) ensurePeer(id types.PeerID) (*peer, bool) {
	if p, ok := n.peers[id]; ok {
		return p, false
	}
	p := newPeer(id, n.now())
	n.peers[id] = p
	return p, true
}

// setState moves p to a new state. Every transition goes through here.
func (n *Network) setState(p *peer, to types.PeerState) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	if to.IsIdentified() {
		n.identified.Store(p.id, struct{}{})
	} else {
		n.identified.Delete(p.id)
	}
	n.metrics.PeerStateChanged(from, to)
	n.emit(types.EvtPeerStateChanged{Peer: p.id, From: from, To: to})
	log.Debug("peer state", "peer", p.id.ShortString(), "from", from, "to", to)
}

// resolveWaiters completes pending Connect calls.
func (n *Network) resolveWaiters(p *peer, err error) {
	for _, w := range p.waiters {
		w <- err
	}
	p.waiters = nil
}

// isIdentified is safe to call from any goroutine.
func (n *Network) isIdentified(id types.PeerID) bool {
	_, ok := n.identified.Load(id)
	return ok
}

// loadPeers seeds the table from the peer store before the loop starts.
func (n *Network) loadPeers() error {
	if n.peerStore == nil {
		return nil
	}
	recs, err := n.peerStore.Peers()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.ID == n.local || rec.ID.Validate() != nil {
			continue
		}
		if rec.Blocked {
			n.blocked[rec.ID] = struct{}{}
			continue
		}
		p := newPeer(rec.ID, rec.LastSeen)
		if rec.LastSeen.IsZero() {
			p.lastSeen = n.now()
		}
		p.mergeAddrs(rec.Multiaddrs())
		p.contact = rec.Contact
		p.displayName = rec.DisplayName
		n.peers[rec.ID] = p
	}
	return nil
}

// persistPeer writes what the loop knows about p to the peer store off the
// loop.
func (n *Network) persistPeer(p *peer) {
	if n.peerStore == nil {
		return
	}
	id := p.id
	addrs := addrStrings(p.addrs)
	seen := p.lastSeen
	var version string
	if p.info != nil {
		version = p.info.ProtocolVersion
	}
	n.runIO(func() {
		_, err := n.peerStore.UpdatePeer(id, func(rec *types.PeerRecord) bool {
			changed := rec.MergeAddrs(addrs)
			if version != "" && rec.ProtocolVersion != version {
				rec.ProtocolVersion = version
				changed = true
			}
			if seen.After(rec.LastSeen) {
				rec.LastSeen = seen
				changed = true
			}
			if rec.AddedAt.IsZero() {
				rec.AddedAt = seen
				changed = true
			}
			return changed
		})
		if err != nil {
			log.Debug("persisting peer failed", "peer", id.ShortString(), "error", err)
		}
	})
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func parseAddrs(ss []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		if a, err := ma.NewMultiaddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}
