// Package dht is a small Kademlia-style peer router.
//
// Contacts are the Identified peers of the network service, placed by the
// BLAKE3 hash of their peer id. FindPeer answers from the routing table and
// otherwise walks the XOR space: each round asks the alpha closest
// unqueried contacts for their closest known peers until the target shows up
// or no closer peer remains. Queries are FindPeer messages on the ordinary
// message protocol, so they are signed and gated like any other request.
package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("discovery.dht")

const maxRounds = 10

// ErrNoPeers is returned by a lookup started with an empty routing table.
var ErrNoPeers = errors.New("dht: routing table is empty")

// Network is what the router needs from the network service.
type Network interface {
	ID() types.PeerID
	Addrs() []ma.Multiaddr
	Handle(k protocol.Kind, h protocol.Handler) error
	Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error)
	Connect(ctx context.Context, info types.AddrInfo) error
	IsIdentified(id types.PeerID) bool
	IdentifiedPeers(ctx context.Context) ([]types.AddrInfo, error)
}

// DHT implements pkgif.PeerRouting.
type DHT struct {
	net   Network
	bus   pkgif.EventBus
	rt    *RoutingTable
	k     int
	alpha int
	clock clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ pkgif.PeerRouting = (*DHT)(nil)

// Option configures a DHT.
type Option func(*DHT)

// WithClock sets the clock used for contact timestamps.
func WithClock(c clock.Clock) Option { return func(d *DHT) { d.clock = c } }

// WithEventBus keeps the routing table in step with peer lifecycle events.
func WithEventBus(bus pkgif.EventBus) Option { return func(d *DHT) { d.bus = bus } }

// New creates the router and registers its FindPeer handler on net.
func New(cfg config.DiscoveryConfig, net Network, opts ...Option) (*DHT, error) {
	d := &DHT{
		net:   net,
		k:     cfg.DHTBucketSize,
		alpha: cfg.DHTAlpha,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.rt = NewRoutingTable(net.ID(), d.k)
	if err := net.Handle(protocol.KindFindPeer, d.handleFindPeer); err != nil {
		return nil, fmt.Errorf("dht: register handler: %w", err)
	}
	return d, nil
}

// RoutingTable exposes the contacts.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// Start seeds the table from the Identified peers and follows lifecycle
// events until ctx ends or Close is called.
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	peers, err := d.net.IdentifiedPeers(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		d.rt.Update(p, d.clock.Now())
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	if d.bus == nil {
		close(d.done)
		return nil
	}
	identified, err := d.bus.Subscribe(new(types.EvtPeerIdentified))
	if err != nil {
		return err
	}
	expired, err := d.bus.Subscribe(new(types.EvtPeerExpired))
	if err != nil {
		_ = identified.Close()
		return err
	}
	go d.follow(ctx, identified, expired)
	return nil
}

// Close stops following events.
func (d *DHT) Close() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *DHT) follow(ctx context.Context, identified, expired pkgif.Subscription) {
	defer close(d.done)
	defer identified.Close()
	defer expired.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-identified.Out():
			if evt, ok := e.(types.EvtPeerIdentified); ok {
				d.rt.Update(types.AddrInfo{ID: evt.Peer, Addrs: evt.ListenAddrs}, d.clock.Now())
			}
		case e := <-expired.Out():
			if evt, ok := e.(types.EvtPeerExpired); ok {
				d.rt.Remove(evt.Peer)
			}
		}
	}
}

// ============================================================================
//                              Serving
// ============================================================================

func (d *DHT) handleFindPeer(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	req, ok := msg.(*protocol.FindPeer)
	if !ok {
		return nil, fmt.Errorf("%w: want FindPeer, got %s", types.ErrValidation, msg.Kind())
	}
	d.rt.Update(types.AddrInfo{ID: from}, d.clock.Now())

	resp := &protocol.FindPeerResponse{}
	if req.Target == d.net.ID() {
		resp.Found = true
		resp.Closer = append(resp.Closer, protocol.PeerAddrs{ID: req.Target, Addrs: addrStrings(d.net.Addrs())})
		return resp, nil
	}
	for _, c := range d.rt.Nearest(KeyOf(req.Target), d.k+1) {
		if c.ID == from || len(c.Addrs) == 0 {
			continue
		}
		if len(resp.Closer) == d.k {
			break
		}
		if c.ID == req.Target {
			resp.Found = true
		}
		resp.Closer = append(resp.Closer, protocol.PeerAddrs{ID: c.ID, Addrs: addrStrings(c.Addrs)})
	}
	return resp, nil
}

// ============================================================================
//                              Lookups
// ============================================================================

// FindPeer returns the addresses of id from the table or an iterative lookup.
func (d *DHT) FindPeer(ctx context.Context, id types.PeerID) (types.AddrInfo, error) {
	if info, ok := d.rt.Find(id); ok && len(info.Addrs) > 0 {
		return info, nil
	}
	return d.lookup(ctx, id)
}

// Refresh looks up the local id, which fills the buckets near it.
func (d *DHT) Refresh(ctx context.Context) error {
	_, err := d.lookup(ctx, d.net.ID())
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

func (d *DHT) lookup(ctx context.Context, id types.PeerID) (types.AddrInfo, error) {
	target := KeyOf(id)
	candidates := d.rt.Nearest(target, d.k)
	if len(candidates) == 0 {
		return types.AddrInfo{}, ErrNoPeers
	}

	seen := map[types.PeerID]bool{d.net.ID(): true}
	for _, c := range candidates {
		seen[c.ID] = true
	}
	queried := make(map[types.PeerID]bool)

	for round := 0; round < maxRounds; round++ {
		var batch []types.AddrInfo
		for _, c := range candidates {
			if len(batch) == d.alpha {
				break
			}
			if !queried[c.ID] {
				queried[c.ID] = true
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}

		var (
			mu        sync.Mutex
			responses []*protocol.FindPeerResponse
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			g.Go(func() error {
				resp, err := d.query(gctx, c, id)
				if err != nil {
					log.Debug("find peer query failed", "peer", c.ID.ShortString(), "error", err)
					d.rt.Remove(c.ID)
					return nil
				}
				d.rt.Update(c, d.clock.Now())
				mu.Lock()
				responses = append(responses, resp)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return types.AddrInfo{}, err
		}

		for _, resp := range responses {
			for _, p := range resp.Closer {
				info := types.AddrInfo{ID: p.ID, Addrs: parseAddrs(p.Addrs)}
				if info.ID.Validate() != nil || len(info.Addrs) == 0 {
					continue
				}
				if info.ID == id {
					log.Debug("peer found", "peer", id.ShortString(), "round", round)
					return info, nil
				}
				if !seen[info.ID] {
					seen[info.ID] = true
					candidates = append(candidates, info)
				}
			}
		}
		sortInfos(target, candidates)
	}
	return types.AddrInfo{}, fmt.Errorf("%w: peer %s", types.ErrNotFound, id.ShortString())
}

func (d *DHT) query(ctx context.Context, c types.AddrInfo, target types.PeerID) (*protocol.FindPeerResponse, error) {
	if !d.net.IsIdentified(c.ID) {
		if err := d.net.Connect(ctx, c); err != nil {
			return nil, err
		}
	}
	msg, err := d.net.Request(ctx, c.ID, &protocol.FindPeer{Target: target})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*protocol.FindPeerResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", types.ErrValidation, msg.Kind())
	}
	return resp, nil
}

func sortInfos(target Key, infos []types.AddrInfo) {
	ids := make([]types.PeerID, len(infos))
	byID := make(map[types.PeerID]types.AddrInfo, len(infos))
	for i, in := range infos {
		ids[i] = in.ID
		byID[in.ID] = in
	}
	SortByDistance(target, ids)
	for i, id := range ids {
		infos[i] = byID[id]
	}
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
