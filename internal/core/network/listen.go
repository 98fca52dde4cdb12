package network

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// observedThreshold is how many distinct peers must report the same
// observed address before it is advertised.
const observedThreshold = 2

var circuitListenAddr = ma.StringCast("/p2p-circuit")

// listen opens a listener per configured address plus the relay circuit
// listener. It fails only when no configured address could be bound.
func (n *Network) listen() error {
	var bound []ma.Multiaddr
	var lastErr error
	for _, s := range n.cfg.ListenAddrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("%w: listen address %q: %v", types.ErrValidation, s, err)
		}
		l, err := n.transports.Listen(addr)
		if err != nil {
			log.Warn("listen failed", "addr", s, "error", err)
			lastErr = err
			continue
		}
		n.listeners = append(n.listeners, l)
		bound = append(bound, addrutil.ExpandUnspecified(l.Addr())...)
	}
	if len(n.cfg.ListenAddrs) > 0 && len(bound) == 0 {
		return fmt.Errorf("%w: no listen address could be bound: %v", types.ErrTransport, lastErr)
	}

	l, err := n.transports.Listen(circuitListenAddr)
	if err != nil {
		return fmt.Errorf("%w: relay circuit listener: %v", types.ErrTransport, err)
	}
	n.listeners = append(n.listeners, l)

	n.addrsMu.Lock()
	n.listenAddrs = bound
	n.addrsMu.Unlock()
	for _, a := range bound {
		log.Info("listening", "addr", a)
	}
	return nil
}

func (n *Network) startAccepting() {
	for _, l := range n.listeners {
		n.wg.Add(1)
		go n.acceptLoop(l)
	}
}

func (n *Network) acceptLoop(l pkgif.Listener) {
	defer n.wg.Done()
	for {
		c, err := l.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				log.Warn("accept failed", "addr", l.Addr(), "error", err)
			}
			return
		}
		n.post(func() { n.adopt(c, false) })
	}
}

// ============================================================================
//                              Local addresses
// ============================================================================

// Addrs returns every address the local peer is reachable under: bound
// listen addresses, confirmed observed addresses and relay circuits.
func (n *Network) Addrs() []ma.Multiaddr {
	n.addrsMu.RLock()
	out := make([]ma.Multiaddr, 0, len(n.listenAddrs)+len(n.external))
	out = append(out, n.listenAddrs...)
	for _, a := range n.external {
		if !containsAddr(out, a) {
			out = append(out, a)
		}
	}
	n.addrsMu.RUnlock()
	return append(out, n.reserver.Addrs()...)
}

// ListenAddrs returns the bound listen addresses.
func (n *Network) ListenAddrs() []ma.Multiaddr {
	n.addrsMu.RLock()
	defer n.addrsMu.RUnlock()
	return append([]ma.Multiaddr(nil), n.listenAddrs...)
}

// ExternalAddrs returns observed addresses confirmed by several peers.
func (n *Network) ExternalAddrs() []ma.Multiaddr {
	n.addrsMu.RLock()
	defer n.addrsMu.RUnlock()
	return append([]ma.Multiaddr(nil), n.external...)
}

// RelayAddrs returns the circuit addresses of live reservations.
func (n *Network) RelayAddrs() []ma.Multiaddr { return n.reserver.Addrs() }

// shareableAddrs are the direct addresses offered during hole punching.
func (n *Network) shareableAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range n.Addrs() {
		if !addrutil.IsCircuit(a) {
			out = append(out, a)
		}
	}
	return out
}

// recordObserved counts an address a peer saw us under. It returns true
// when the address just became confirmed.
func (n *Network) recordObserved(from types.PeerID, s string) bool {
	if s == "" {
		return false
	}
	addr, err := ma.NewMultiaddr(s)
	if err != nil || addrutil.IsCircuit(addr) {
		return false
	}
	addr = addrutil.StripPeer(addr)
	key := addr.String()

	n.addrsMu.Lock()
	defer n.addrsMu.Unlock()
	if containsAddr(n.listenAddrs, addr) || containsAddr(n.external, addr) {
		return false
	}
	reporters, ok := n.observed[key]
	if !ok {
		reporters = make(map[types.PeerID]struct{})
		n.observed[key] = reporters
	}
	reporters[from] = struct{}{}
	if len(reporters) < observedThreshold {
		return false
	}
	delete(n.observed, key)
	n.external = append(n.external, addr)
	log.Info("external address confirmed", "addr", addr)
	return true
}

func (n *Network) emitAddrs() {
	n.emit(types.EvtListenAddrsUpdated{Addrs: n.Addrs()})
}

// parseFullAddr splits a /p2p/ address into peer id and dialable part.
func parseFullAddr(s string) (types.AddrInfo, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return types.AddrInfo{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return addrInfoOf(addr)
}

func addrInfoOf(addr ma.Multiaddr) (types.AddrInfo, error) {
	if addrutil.IsCircuit(addr) {
		_, _, target, err := addrutil.SplitCircuit(addr)
		if err != nil {
			return types.AddrInfo{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
		return types.AddrInfo{ID: target, Addrs: []ma.Multiaddr{addr}}, nil
	}
	base, id, err := addrutil.SplitPeer(addr)
	if err != nil {
		return types.AddrInfo{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return types.AddrInfo{ID: id, Addrs: []ma.Multiaddr{base}}, nil
}
