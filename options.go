package harbor

import (
	"fmt"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

// Option configures a Node before it is opened.
type Option func(*options) error

type options struct {
	cfg *config.Config

	// newTransport replaces the QUIC transport, used by tests to run nodes
	// over an in-process network.
	newTransport func(id types.PeerID, protos *transport.Protocols) (pkgif.Transport, error)
}

func newOptions() *options {
	return &options{cfg: config.NewConfig()}
}

// WithConfig replaces the whole configuration. Options applied afterwards
// still modify it.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", types.ErrValidation)
		}
		c := *cfg
		o.cfg = &c
		return nil
	}
}

// WithConfigFile loads the configuration from a JSON or YAML file.
func WithConfigFile(path string) Option {
	return func(o *options) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithDataDir sets the directory holding the database.
func WithDataDir(dir string) Option {
	return func(o *options) error {
		o.cfg.Storage.DataDir = dir
		o.cfg.Storage.InMemory = false
		return nil
	}
}

// WithInMemory keeps all state in memory.
func WithInMemory() Option {
	return func(o *options) error {
		o.cfg.Storage.InMemory = true
		return nil
	}
}

// WithListenAddrs sets the multiaddrs the network listens on.
func WithListenAddrs(addrs ...string) Option {
	return func(o *options) error {
		o.cfg.Network.ListenAddrs = append([]string(nil), addrs...)
		return nil
	}
}

// WithBootstrapPeers sets full /p2p/ addresses dialed when the network starts.
func WithBootstrapPeers(addrs ...string) Option {
	return func(o *options) error {
		o.cfg.Network.BootstrapPeers = append([]string(nil), addrs...)
		return nil
	}
}

// WithStaticRelays sets relays a reservation is held on while the network
// runs.
func WithStaticRelays(addrs ...string) Option {
	return func(o *options) error {
		o.cfg.Relay.StaticRelays = append([]string(nil), addrs...)
		return nil
	}
}

// WithRelayServer lets this node act as a relay for others.
func WithRelayServer(enable bool) Option {
	return func(o *options) error {
		o.cfg.Relay.EnableServer = enable
		return nil
	}
}

// WithMDNS toggles local network discovery.
func WithMDNS(enable bool) Option {
	return func(o *options) error {
		o.cfg.Discovery.EnableMDNS = enable
		return nil
	}
}

// WithDHT toggles the peer routing table.
func WithDHT(enable bool) Option {
	return func(o *options) error {
		o.cfg.Discovery.EnableDHT = enable
		return nil
	}
}

// WithHolePunch toggles direct connection upgrades of relayed peers.
func WithHolePunch(enable bool) Option {
	return func(o *options) error {
		o.cfg.HolePunch.Enable = enable
		return nil
	}
}

func withTransport(f func(id types.PeerID, protos *transport.Protocols) (pkgif.Transport, error)) Option {
	return func(o *options) error {
		o.newTransport = f
		return nil
	}
}
