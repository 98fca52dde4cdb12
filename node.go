package harbor

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/contact"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/metrics"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

var log = logger.Logger("harbor")

// Node is the entry point of a harbor peer. It owns the database and, once
// an identity is unlocked, the network and the services running on it.
//
// All methods are safe for concurrent use.
type Node struct {
	opts *options
	cfg  *config.Config
	app  *fx.App

	store      *store.Store
	bus        pkgif.EventBus
	identities *identity.Service
	contacts   *contact.Service
	collector  *metrics.Collector
	gatherer   prometheus.Gatherer

	mu     sync.Mutex
	sess   *session
	closed bool
}

// Open validates the configuration, opens storage and returns a node with
// a locked identity.
func Open(ctx context.Context, opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{opts: o, cfg: o.cfg}
	n.app = buildFxApp(o.cfg, n)
	if err := n.app.Err(); err != nil {
		return nil, fmt.Errorf("build node: %w", err)
	}
	if err := n.app.Start(ctx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	log.Info("node opened", "dataDir", o.cfg.Storage.DataDir, "inMemory", o.cfg.Storage.InMemory)
	return n, nil
}

// Config returns the configuration the node was opened with.
func (n *Node) Config() *config.Config { return n.cfg }

// Close stops the network, locks the identity and closes storage.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs error
	if n.sess != nil {
		errs = multierr.Append(errs, n.sess.app.Stop(context.Background()))
		n.sess = nil
	}
	n.identities.Lock()
	errs = multierr.Append(errs, n.app.Stop(context.Background()))
	log.Info("node closed")
	return errs
}

// Subscribe returns a subscription to one event type, given as a pointer
// such as new(types.EvtMessageReceived).
func (n *Node) Subscribe(eventType any, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	return n.bus.Subscribe(eventType, opts...)
}

// SubscribeAll returns a subscription to every event.
func (n *Node) SubscribeAll(opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	return n.bus.SubscribeAll(opts...)
}

// Metrics returns the Prometheus registry holding the node's collectors.
func (n *Node) Metrics() prometheus.Gatherer { return n.gatherer }

// Bandwidth returns traffic totals and rates per message kind.
func (n *Node) Bandwidth() *metrics.Bandwidth { return n.collector.Bandwidth() }

// current returns the unlocked session.
func (n *Node) current() (*session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentLocked()
}

func (n *Node) currentLocked() (*session, error) {
	if n.closed {
		return nil, ErrNodeClosed
	}
	if n.sess == nil {
		return nil, ErrIdentityLocked
	}
	return n.sess, nil
}

// running returns the session if its network is up.
func (n *Node) running() (*session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, err := n.currentLocked()
	if err != nil {
		return nil, err
	}
	if !s.running {
		return nil, ErrNetworkStopped
	}
	return s, nil
}
