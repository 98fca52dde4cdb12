package network

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/nat/holepunch"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/relay"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("network")

const (
	// ProtocolVersion is announced in Identify. Peers must share the major
	// version.
	ProtocolVersion = "harbor/1.0.0"

	// AgentVersion is announced in Identify.
	AgentVersion = "harbor-go/0.1.0"

	cmdQueueSize = 256
	jobQueueSize = 256
)

// Network owns the connections to other peers.
//
// All peer state lives in maps owned by the loop goroutine. Public methods
// hand closures to the loop with exec and wait; workers report back with
// post. Code running on the loop must call neither.
type Network struct {
	cfg      config.NetworkConfig
	relayCfg config.RelayConfig
	hpCfg    config.HolePunchConfig

	signer protocol.Signer
	local  types.PeerID
	protos *transport.Protocols

	transports      *transport.Manager
	extraTransports []pkgif.Transport
	relayClient     *relay.Client
	reserver        Reserver
	relayServer     *relay.Server
	upgrader        holepunch.Upgrader
	registry        *protocol.Registry
	routing         pkgif.PeerRouting

	peerStore PeerStore
	bus       pkgif.EventBus
	emitters  map[reflect.Type]pkgif.Emitter
	clock     clock.Clock
	metrics   Metrics
	seen      *lru.Cache[string, struct{}]

	handlersMu sync.RWMutex
	handlers   map[string]pkgif.StreamHandler

	// identified mirrors which peers the loop considers Identified, so
	// workers can check without a round trip.
	identified sync.Map

	addrsMu     sync.RWMutex
	listenAddrs []ma.Multiaddr
	observed    map[string]map[types.PeerID]struct{}
	external    []ma.Multiaddr

	cmds    chan func()
	jobs    chan func()
	inbound chan func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	stopped atomic.Bool

	// Owned by the loop.
	peers       map[types.PeerID]*peer
	intents     map[types.PeerID]*relayIntent
	blocked     map[types.PeerID]struct{}
	discoverers []discoverer
	listeners   []pkgif.Listener
}

// New builds a network for the peer signing with signer. protos is the
// protocol set the transports negotiate on inbound streams; the network adds
// its own protocols to it.
func New(cfg *config.Config, signer protocol.Signer, protos *transport.Protocols, opts ...Option) (*Network, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Network.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	seen, err := lru.New[string, struct{}](cfg.Network.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	n := &Network{
		cfg:      cfg.Network,
		relayCfg: cfg.Relay,
		hpCfg:    cfg.HolePunch,
		signer:   signer,
		local:    signer.PeerID(),
		protos:   protos,
		registry: protocol.NewRegistry(),
		emitters: make(map[reflect.Type]pkgif.Emitter),
		metrics:  nopMetrics{},
		seen:     seen,
		handlers: make(map[string]pkgif.StreamHandler),
		observed: make(map[string]map[types.PeerID]struct{}),
		cmds:     make(chan func(), cmdQueueSize),
		jobs:     make(chan func(), jobQueueSize),
		inbound:  make(chan func(), jobQueueSize),
		peers:    make(map[types.PeerID]*peer),
		intents:  make(map[types.PeerID]*relayIntent),
		blocked:  make(map[types.PeerID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}

	n.relayClient = relay.NewClient(n, signer, protos, n.clock)
	if n.reserver == nil {
		n.reserver = n.relayClient
	}
	n.transports = transport.NewManager(append(n.extraTransports, n.relayClient)...)
	if n.relayCfg.EnableServer {
		n.relayServer = relay.NewServer(n, n.relayCfg.Server, n.clock)
	}
	if n.upgrader == nil {
		if n.hpCfg.Enable {
			n.upgrader = holepunch.NewDirect(n, n, n.shareableAddrs, n.hpCfg)
		} else {
			n.upgrader = holepunch.Disabled()
		}
	}

	protos.Add(protocolids.Identify)
	protos.Add(protocolids.Messages)

	if n.bus != nil {
		for _, evt := range []any{
			new(types.EvtPeerDiscovered),
			new(types.EvtPeerConnected),
			new(types.EvtPeerIdentified),
			new(types.EvtPeerDisconnected),
			new(types.EvtPeerExpired),
			new(types.EvtPeerStateChanged),
			new(types.EvtRelayReserved),
			new(types.EvtListenAddrsUpdated),
		} {
			em, err := n.bus.Emitter(evt)
			if err != nil {
				n.closeEmitters()
				return nil, err
			}
			n.emitters[reflect.TypeOf(evt).Elem()] = em
		}
	}
	return n, nil
}

// ID returns the local peer id.
func (n *Network) ID() types.PeerID { return n.local }

// Registry returns the handler registry used for inbound messages.
func (n *Network) Registry() *protocol.Registry { return n.registry }

// RelayServer returns the relay server, or nil when this node does not
// relay for others.
func (n *Network) RelayServer() *relay.Server { return n.relayServer }

// SetRouting installs the lookup used to find addresses of peers the
// network has none for.
func (n *Network) SetRouting(r pkgif.PeerRouting) {
	n.handlersMu.Lock()
	n.routing = r
	n.handlersMu.Unlock()
}

func (n *Network) peerRouting() pkgif.PeerRouting {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()
	return n.routing
}

// ============================================================================
//                              Lifecycle
// ============================================================================

// Start opens the listeners and starts the loop. A Network can be started
// once.
func (n *Network) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return ErrNotRunning
	}
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.loadPeers(); err != nil {
		log.Warn("loading peers failed", "error", err)
	}
	if err := n.listen(); err != nil {
		n.cancel()
		n.running.Store(false)
		_ = n.transports.Close()
		return err
	}

	n.relayClient.Start()
	if n.relayServer != nil {
		n.relayServer.Start()
	}

	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(2)
		go n.worker(n.jobs)
		go n.worker(n.inbound)
	}
	n.wg.Add(1)
	go n.loop()

	n.startAccepting()

	for _, s := range n.cfg.BootstrapPeers {
		info, err := parseFullAddr(s)
		if err != nil {
			log.Warn("invalid bootstrap peer", "addr", s, "error", err)
			continue
		}
		n.HandlePeerFound(info, "bootstrap")
		n.post(func() { n.connectLocked(info.ID, nil, nil) })
	}
	for _, s := range n.relayCfg.StaticRelays {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warn("invalid static relay", "addr", s, "error", err)
			continue
		}
		if _, err := n.AddRelay(ctx, addr); err != nil {
			log.Warn("adding static relay failed", "addr", s, "error", err)
		}
	}

	n.post(func() {
		n.startDiscoverers()
		n.emitAddrs()
	})
	log.Info("network started", "peer", n.local.ShortString(), "addrs", len(n.Addrs()))
	return nil
}

// Stop closes every connection and listener and waits for the loop and
// workers to exit.
func (n *Network) Stop() error {
	if !n.running.Load() || !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var errs error

	// Discoverers are stopped on the loop so none starts afterwards.
	var ds []discoverer
	if err := n.exec(context.Background(), func() {
		ds = n.discoverers
		n.discoverers = nil
	}); err == nil {
		for _, d := range ds {
			errs = multierr.Append(errs, d.Close())
		}
	}

	errs = multierr.Append(errs, n.upgrader.Close())
	if n.relayServer != nil {
		errs = multierr.Append(errs, n.relayServer.Stop())
	}

	n.cancel()
	n.wg.Wait()

	errs = multierr.Append(errs, n.transports.Close())
	n.closeEmitters()
	n.running.Store(false)
	log.Info("network stopped", "peer", n.local.ShortString())
	return errs
}

func (n *Network) closeEmitters() {
	for _, em := range n.emitters {
		_ = em.Close()
	}
}

// ============================================================================
//                              Loop
// ============================================================================

func (n *Network) loop() {
	defer n.wg.Done()

	prune := n.clock.Ticker(n.cfg.PruneInterval.Duration())
	defer prune.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.shutdown()
			return
		case fn := <-n.cmds:
			fn()
		case <-prune.C:
			n.prune()
		}
	}
}

// shutdown runs on the loop after cancellation.
func (n *Network) shutdown() {
	for _, l := range n.listeners {
		_ = l.Close()
	}
	n.listeners = nil
	for _, in := range n.intents {
		in.stopTimer()
	}
	for _, p := range n.peers {
		for c := range p.conns {
			c.cancel()
			_ = c.Close()
		}
		if p.state.IsConnected() {
			n.setState(p, types.PeerDisconnected)
			n.emit(types.EvtPeerDisconnected{Peer: p.id, Reason: "network stopped"})
		}
		p.conn = nil
		p.conns = make(map[*connection]struct{})
		n.resolveWaiters(p, ErrNotRunning)
	}
}

// exec runs fn on the loop and waits for it.
func (n *Network) exec(ctx context.Context, fn func()) error {
	if !n.running.Load() || n.ctx == nil {
		return ErrNotRunning
	}
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case n.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-n.ctx.Done():
		return ErrNotRunning
	}
}

// post queues fn on the loop without waiting for it to run.
func (n *Network) post(fn func()) {
	select {
	case n.cmds <- fn:
	case <-n.ctx.Done():
	}
}

// ============================================================================
//                              Workers
// ============================================================================

func (n *Network) worker(queue <-chan func()) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-queue:
			job()
		}
	}
}

// runIO queues background I/O from the loop. It never blocks; when the
// queue is full the job gets its own goroutine.
func (n *Network) runIO(job func()) {
	select {
	case n.jobs <- job:
	default:
		log.Debug("worker queue full, spawning")
		go job()
	}
}

// runInbound queues an inbound handler and blocks while the pool is busy,
// pushing back on the connection that produced it.
func (n *Network) runInbound(ctx context.Context, job func()) bool {
	select {
	case n.inbound <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// spawn runs fn on its own goroutine tracked by Stop.
func (n *Network) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// ============================================================================
//                              Events
// ============================================================================

func (n *Network) emit(evt any) {
	em, ok := n.emitters[reflect.TypeOf(evt)]
	if !ok {
		return
	}
	if err := em.Emit(evt); err != nil {
		log.Debug("emit failed", "event", reflect.TypeOf(evt).Name(), "error", err)
	}
}

func (n *Network) now() time.Time { return n.clock.Now() }
