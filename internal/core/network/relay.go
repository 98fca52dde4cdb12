package network

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/relay"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	// relayRetry is the first delay before retrying a failed reservation or
	// redialing a lost relay. It doubles up to relayRetryMax.
	relayRetry    = 5 * time.Second
	relayRetryMax = 5 * time.Minute

	// minRefresh keeps a short TTL from turning refresh into a busy loop.
	minRefresh = 5 * time.Second
)

// Reserver obtains reservations on relays. The relay client implements it.
type Reserver interface {
	Reserve(ctx context.Context, relay types.PeerID) (*relay.Reservation, error)
	Forget(relay types.PeerID)
	Addrs() []ma.Multiaddr
}

// relayIntent is the wish to hold a reservation on a relay. It fires once
// per Identify session of the relay.
type relayIntent struct {
	relay   types.PeerID
	fired   bool
	backoff time.Duration
	timer   *clock.Timer
}

func (in *relayIntent) stopTimer() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
}

func (in *relayIntent) nextBackoff() time.Duration {
	if in.backoff == 0 {
		in.backoff = relayRetry
	} else if in.backoff *= 2; in.backoff > relayRetryMax {
		in.backoff = relayRetryMax
	}
	return in.backoff
}

// AddRelay records the intent to hold a reservation on the relay at addr,
// a full address ending in /p2p/<relay>, and connects to it. The
// reservation is requested when the relay becomes Identified, never before.
func (n *Network) AddRelay(ctx context.Context, addr ma.Multiaddr) (types.PeerID, error) {
	if addrutil.IsCircuit(addr) {
		return "", fmt.Errorf("%w: relay address is a circuit: %s", types.ErrValidation, addr)
	}
	base, id, err := addrutil.SplitPeer(addr)
	if err != nil {
		return "", fmt.Errorf("%w: relay address: %v", types.ErrValidation, err)
	}
	if id == n.local {
		return "", ErrSelfDial
	}
	err = n.exec(ctx, func() {
		in, ok := n.intents[id]
		if !ok {
			in = &relayIntent{relay: id}
			n.intents[id] = in
			log.Info("relay added", "relay", id.ShortString())
		}
		p, _ := n.ensurePeer(id)
		p.mergeAddrs([]ma.Multiaddr{base})
		switch {
		case p.state.IsIdentified():
			n.fireIntent(p)
		case !p.state.IsConnected():
			n.connectLocked(id, nil, nil)
		}
	})
	return id, err
}

// RemoveRelay drops the intent for relay. A held reservation is forgotten
// and lapses on the relay at its expiry.
func (n *Network) RemoveRelay(ctx context.Context, relayID types.PeerID) error {
	return n.exec(ctx, func() {
		in, ok := n.intents[relayID]
		if !ok {
			return
		}
		in.stopTimer()
		delete(n.intents, relayID)
		if p, ok := n.peers[relayID]; ok {
			n.dropReservation(p)
		}
	})
}

// Relays returns the relays with a registered intent.
func (n *Network) Relays(ctx context.Context) ([]types.PeerID, error) {
	var out []types.PeerID
	err := n.exec(ctx, func() {
		for id := range n.intents {
			out = append(out, id)
		}
	})
	return out, err
}

// RequestReservation reserves a slot on relay now. The relay must be
// Identified; otherwise the call fails with types.ErrNotIdentified without
// touching the transport.
func (n *Network) RequestReservation(ctx context.Context, relayID types.PeerID) (*relay.Reservation, error) {
	var ready bool
	err := n.exec(ctx, func() {
		p, ok := n.peers[relayID]
		if !ok || !p.state.IsIdentified() {
			return
		}
		ready = true
		if p.state == types.PeerIdentified {
			n.setState(p, types.PeerRelayReservationPending)
		}
	})
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("%w: relay %s", types.ErrNotIdentified, relayID.ShortString())
	}
	res, err := n.reserver.Reserve(ctx, relayID)
	n.post(func() { n.onReserved(relayID, res, err) })
	return res, err
}

// fireIntent requests the reservation of an Identified relay, once.
func (n *Network) fireIntent(p *peer) {
	in, ok := n.intents[p.id]
	if !ok || in.fired || !p.state.IsIdentified() {
		return
	}
	in.fired = true
	in.stopTimer()
	n.setState(p, types.PeerRelayReservationPending)
	n.reserveAsync(p.id)
}

func (n *Network) reserveAsync(id types.PeerID) {
	n.runIO(func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RequestTimeout.Duration())
		defer cancel()
		res, err := n.reserver.Reserve(ctx, id)
		n.post(func() { n.onReserved(id, res, err) })
	})
}

func (n *Network) onReserved(id types.PeerID, res *relay.Reservation, err error) {
	n.metrics.ReservationDone(err)
	p, ok := n.peers[id]
	if !ok {
		return
	}
	in := n.intents[id]

	if err != nil {
		log.Warn("relay reservation failed", "relay", id.ShortString(), "error", err)
		switch p.state {
		case types.PeerRelayReservationPending:
			n.setState(p, types.PeerIdentified)
		case types.PeerRelayReserved:
			n.dropReservation(p)
		}
		if in != nil && p.state.IsIdentified() {
			n.after(in, in.nextBackoff(), func() {
				if q, ok := n.peers[id]; ok && q.state.IsIdentified() {
					in.fired = false
					n.fireIntent(q)
				}
			})
		}
		return
	}
	if !p.state.IsIdentified() {
		// The relay went away while the request was in flight.
		n.reserver.Forget(id)
		return
	}

	p.reservation = res
	n.setState(p, types.PeerRelayReserved)
	n.emit(types.EvtRelayReserved{Relay: id, Addrs: res.Addrs, Expiration: res.Expiration})
	n.emitAddrs()
	log.Info("relay reserved", "relay", id.ShortString(), "expires", res.Expiration, "addrs", len(res.Addrs))

	if in != nil {
		in.backoff = 0
		n.after(in, n.refreshIn(res), func() {
			if q, ok := n.peers[id]; ok && q.state == types.PeerRelayReserved {
				n.reserveAsync(id)
			}
		})
	}
}

// refreshIn is when to renew res: the configured refresh, but never later
// than three quarters of the remaining lifetime.
func (n *Network) refreshIn(res *relay.Reservation) time.Duration {
	d := n.relayCfg.ReservationRefresh.Duration()
	if left := res.Expiration.Sub(n.now()) * 3 / 4; d <= 0 || left < d {
		d = left
	}
	if d < minRefresh {
		d = minRefresh
	}
	return d
}

// after runs fn on the loop after d unless the intent is removed or
// rescheduled first.
func (n *Network) after(in *relayIntent, d time.Duration, fn func()) {
	in.stopTimer()
	var t *clock.Timer
	t = n.clock.AfterFunc(d, func() {
		n.post(func() {
			if in.timer != t || n.intents[in.relay] != in {
				return
			}
			in.timer = nil
			fn()
		})
	})
	in.timer = t
}

// onRelayLost forgets the reservation of a disconnected relay and redials
// it. The intent fires again on the next Identify.
func (n *Network) onRelayLost(p *peer) {
	n.dropReservation(p)
	n.scheduleRelayRedial(p)
}

func (n *Network) scheduleRelayRedial(p *peer) {
	in, ok := n.intents[p.id]
	if !ok {
		return
	}
	in.fired = false
	id := p.id
	n.after(in, in.nextBackoff(), func() {
		if q, ok := n.peers[id]; ok && !q.state.IsConnected() {
			n.connectLocked(id, nil, nil)
		}
	})
}

func (n *Network) dropReservation(p *peer) {
	if p.reservation == nil {
		return
	}
	p.reservation = nil
	n.reserver.Forget(p.id)
	if p.state == types.PeerRelayReserved {
		n.setState(p, types.PeerIdentified)
	}
	n.emitAddrs()
}

// Reservations returns the live reservations.
func (n *Network) Reservations(ctx context.Context) ([]*relay.Reservation, error) {
	var out []*relay.Reservation
	err := n.exec(ctx, func() {
		for _, p := range n.peers {
			if p.reservation != nil {
				out = append(out, p.reservation)
			}
		}
	})
	return out, err
}
