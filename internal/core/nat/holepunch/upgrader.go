package holepunch

import (
	"bufio"
	"context"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/transport"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("holepunch")

// Upgrader tries to replace a relayed connection with a direct one.
type Upgrader interface {
	// Enabled reports whether Upgrade does anything at all.
	Enabled() bool
	// Upgrade attempts a direct connection to peer, which is reachable over
	// a relayed connection.
	Upgrade(ctx context.Context, peer types.PeerID) error
	Close() error
}

// ============================================================================
//                              Disabled
// ============================================================================

type disabled struct{}

// Disabled returns an Upgrader that never does anything.
func Disabled() Upgrader { return disabled{} }

func (disabled) Enabled() bool                               { return false }
func (disabled) Upgrade(context.Context, types.PeerID) error { return nil }
func (disabled) Close() error                                { return nil }

// ============================================================================
//                              Direct
// ============================================================================

// Dialer dials a peer directly, bypassing relays. A connection it creates
// is adopted by the caller's network.
type Dialer interface {
	DialDirect(ctx context.Context, peer types.PeerID, addrs []ma.Multiaddr) error
}

// Direct coordinates simultaneous direct dials over the hole punch
// protocol.
type Direct struct {
	host   pkgif.Host
	dialer Dialer
	addrs  func() []ma.Multiaddr
	cfg    config.HolePunchConfig

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Upgrader = (*Direct)(nil)

// NewDirect returns an enabled Upgrader. addrs returns the local addresses
// worth sharing with a peer: listen and observed, no relay circuits. It
// registers the responder side on host.
func NewDirect(host pkgif.Host, dialer Dialer, addrs func() []ma.Multiaddr, cfg config.HolePunchConfig) *Direct {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Direct{host: host, dialer: dialer, addrs: addrs, cfg: cfg, ctx: ctx, cancel: cancel}
	host.SetStreamHandler(protocolids.HolePunch, d.handleStream)
	return d
}

func (d *Direct) Enabled() bool { return true }

// Close unregisters the responder and stops pending dials.
func (d *Direct) Close() error {
	d.host.RemoveStreamHandler(protocolids.HolePunch)
	d.cancel()
	return nil
}

func (d *Direct) shareable() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range d.addrs() {
		if !addrutil.IsCircuit(a) {
			out = append(out, addrutil.StripPeer(a))
		}
	}
	return out
}

func directOnly(addrs []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range addrs {
		if !addrutil.IsCircuit(a) {
			out = append(out, a)
		}
	}
	return out
}

// Upgrade runs up to cfg.Retries attempts.
func (d *Direct) Upgrade(ctx context.Context, peer types.PeerID) error {
	var err error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		if err = d.attempt(ctx, peer); err == nil {
			log.Info("hole punch succeeded", "peer", peer.ShortString(), "attempt", attempt)
			return nil
		}
		log.Debug("hole punch attempt failed", "peer", peer.ShortString(), "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (d *Direct) attempt(ctx context.Context, peer types.PeerID) error {
	local := d.shareable()
	if len(local) == 0 {
		return ErrNoAddresses
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout.Duration())
	defer cancel()

	s, err := d.host.NewStream(ctx, peer, protocolids.HolePunch)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		remote []ma.Multiaddr
		rtt    time.Duration
	)
	err = transport.WithContext(ctx, s, func() error {
		r := bufio.NewReader(s)
		start := time.Now()
		if err := writeMessage(s, &Message{Type: MsgConnect, Addrs: addrStrings(local)}); err != nil {
			return err
		}
		resp, err := readMessage(r, MsgConnect)
		if err != nil {
			return err
		}
		rtt = time.Since(start)
		remote = directOnly(parseAddrs(resp.Addrs))
		return writeMessage(s, &Message{Type: MsgSync})
	})
	if err != nil {
		_ = s.Reset()
		return err
	}
	if len(remote) == 0 {
		return ErrNoAddresses
	}

	t := time.NewTimer(rtt / 2)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.dialer.DialDirect(ctx, peer, remote); err != nil {
		return fmt.Errorf("direct dial: %w", err)
	}
	return nil
}

// handleStream is the responder side.
func (d *Direct) handleStream(s pkgif.Stream, from types.PeerID) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(d.cfg.Timeout.Duration()))
	r := bufio.NewReader(s)

	req, err := readMessage(r, MsgConnect)
	if err != nil {
		log.Debug("bad CONNECT", "peer", from.ShortString(), "error", err)
		return
	}
	if err := writeMessage(s, &Message{Type: MsgConnect, Addrs: addrStrings(d.shareable())}); err != nil {
		return
	}
	if _, err := readMessage(r, MsgSync); err != nil {
		log.Debug("bad SYNC", "peer", from.ShortString(), "error", err)
		return
	}

	remote := directOnly(parseAddrs(req.Addrs))
	if len(remote) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout.Duration())
		defer cancel()
		if err := d.dialer.DialDirect(ctx, from, remote); err != nil {
			log.Debug("responder direct dial failed", "peer", from.ShortString(), "error", err)
		}
	}()
}
