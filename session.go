package harbor

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/calling"
	"github.com/dep2p/harbor/internal/core/capability"
	"github.com/dep2p/harbor/internal/core/content"
	"github.com/dep2p/harbor/internal/core/discovery/dht"
	"github.com/dep2p/harbor/internal/core/discovery/mdns"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/messaging"
	"github.com/dep2p/harbor/internal/core/metrics"
	"github.com/dep2p/harbor/internal/core/network"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/core/syncengine"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/core/transport/quic"
	"github.com/dep2p/harbor/internal/util/addrutil"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// session holds the components bound to one unlocked identity. The network
// cannot be restarted, so a stopped session is discarded and rebuilt.
type session struct {
	app   *fx.App
	cfg   *config.Config
	ident *identity.Identity
	store *store.Store

	net      *network.Network
	engine   *syncengine.Engine
	caps     *capability.Service
	messages *messaging.Service
	content  *content.Service
	calls    *calling.Service
	dht      *dht.DHT

	running bool
}

// newSession wires the per-identity services and replays every stored log
// into them. Nothing touches the network until start.
func (n *Node) newSession(ctx context.Context, ident *identity.Identity) (*session, error) {
	s := &session{cfg: n.cfg, ident: ident, store: n.store}
	opts := []fx.Option{
		fx.Supply(n.cfg, ident, n.identities.Keystore(), n.store),
		fx.Provide(
			func() pkgif.EventBus { return n.bus },
			func() *metrics.Collector { return n.collector },
			func() *transport.Protocols { return transport.NewProtocols() },
			n.sessionTransport,
			newNetwork,
			newEngine,
			newCapabilities,

			// Role interfaces of the domain services.
			func(en *syncengine.Engine) messaging.Engine { return en },
			func(en *syncengine.Engine) content.Engine { return en },
			func(c *capability.Service) messaging.Capabilities { return c },
			func(c *capability.Service) content.Capabilities { return c },
			func(c *capability.Service) calling.Capabilities { return c },
			func(st *store.Store) messaging.Store { return st },
			func(st *store.Store) content.Store { return st },
		),
		messaging.Module(),
		content.Module(),
		calling.Module(),
		fx.Invoke(registerDomains),
		fx.Populate(&s.net, &s.engine, &s.caps, &s.messages, &s.content, &s.calls),
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.StopHook(s.shutdown))
		}),
		fx.WithLogger(fxLogger),
	}
	if n.cfg.Discovery.EnableDHT {
		opts = append(opts,
			fx.Provide(func(net *network.Network, bus pkgif.EventBus) (*dht.DHT, error) {
				return dht.New(n.cfg.Discovery, net, dht.WithEventBus(bus))
			}),
			fx.Populate(&s.dht),
		)
	}

	s.app = fx.New(opts...)
	if err := s.app.Err(); err != nil {
		return nil, err
	}
	if s.dht != nil {
		s.net.SetRouting(s.dht)
	}
	if n.cfg.Discovery.EnableMDNS {
		d := mdns.New(n.cfg.Discovery, ident.PeerID(), s.net.ListenAddrs)
		if err := s.net.AddDiscoverer(d, true); err != nil {
			return nil, err
		}
	}
	if err := s.app.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (n *Node) sessionTransport(ident *identity.Identity, protos *transport.Protocols) (pkgif.Transport, error) {
	if n.opts.newTransport != nil {
		return n.opts.newTransport(ident.PeerID(), protos)
	}
	return quic.New(ident.PrivateKey(), protos, quic.ConfigFrom(n.cfg.Network))
}

func newNetwork(cfg *config.Config, ident *identity.Identity, protos *transport.Protocols, tr pkgif.Transport,
	st *store.Store, bus pkgif.EventBus, m *metrics.Collector) (*network.Network, error) {
	return network.New(cfg, ident, protos,
		network.WithTransports(tr),
		network.WithPeerStore(st),
		network.WithEventBus(bus),
		network.WithMetrics(m),
	)
}

func newEngine(cfg *config.Config, ks *identity.Keystore, net *network.Network, st *store.Store,
	bus pkgif.EventBus, m *metrics.Collector) (*syncengine.Engine, error) {
	return syncengine.New(cfg.Sync, ks, net, st,
		syncengine.WithEventBus(bus),
		syncengine.WithMetrics(m),
	)
}

func newCapabilities(ks *identity.Keystore, en *syncengine.Engine, bus pkgif.EventBus) (*capability.Service, error) {
	return capability.NewService(ks, en, nil, bus)
}

// registerDomains replays the logs, permissions first, and puts the
// request handlers on the network.
func registerDomains(net *network.Network, en *syncengine.Engine, caps *capability.Service,
	msgs *messaging.Service, posts *content.Service, calls *calling.Service) error {
	for _, h := range []syncengine.Handler{caps, msgs, posts} {
		if err := en.Register(h); err != nil {
			return err
		}
	}
	return multierr.Combine(
		caps.Attach(net),
		msgs.Attach(net),
		posts.Attach(net),
		calls.Attach(net),
	)
}

// start brings the network up. The network itself dials the bootstrap
// peers and reserves on the static relays; joined communities are added
// here.
func (s *session) start(ctx context.Context) error {
	if err := s.net.Start(ctx); err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	if err := s.engine.Start(bg); err != nil {
		return multierr.Append(err, s.net.Stop())
	}
	if s.dht != nil {
		if err := s.dht.Start(bg); err != nil {
			log.Warn("dht start failed", "error", err)
		}
	}
	s.running = true

	cs, err := s.store.Communities()
	if err != nil {
		log.Warn("loading communities failed", "error", err)
		return nil
	}
	for _, c := range cs {
		addr, err := ma.NewMultiaddr(c.Addr)
		if err != nil {
			log.Warn("skipping community relay", "addr", c.Addr, "error", err)
			continue
		}
		if _, err := s.net.AddRelay(ctx, addr); err != nil {
			log.Warn("adding community relay failed", "addr", c.Addr, "error", err)
		}
	}
	return nil
}

// shutdown stops the network side. It runs when the session's app stops.
func (s *session) shutdown() error {
	var errs error
	if s.dht != nil {
		errs = multierr.Append(errs, s.dht.Close())
	}
	errs = multierr.Append(errs, s.engine.Close())
	errs = multierr.Append(errs, s.net.Stop())
	s.running = false
	return errs
}

// addrInfo splits a full /p2p/ address.
func addrInfo(raw string) (types.AddrInfo, error) {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return types.AddrInfo{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	base, id, err := addrutil.SplitPeer(addr)
	if err != nil {
		return types.AddrInfo{}, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return types.AddrInfo{ID: id, Addrs: []ma.Multiaddr{base}}, nil
}
