// Package mdns finds peers on the local network with multicast DNS.
//
// Each node announces a service instance whose TXT records carry its peer id
// ("id=") and dialable addresses ("addrs=", split across records to respect
// the 255 byte limit). Queries run on an interval; every peer seen is
// reported to the network service, which deduplicates by peer id.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/util/addrutil"
	"github.com/dep2p/harbor/internal/util/logger"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("discovery.mdns")

// Name is the source name reported with discovered peers.
const Name = "mdns"

const (
	domain       = "local."
	queryTimeout = 5 * time.Second
	maxTXT       = 255
	txtID        = "id="
	txtAddrs     = "addrs="
)

// ErrPortUnknown means no listen address carries a UDP port yet. The
// discoverer still queries, it just does not announce.
var ErrPortUnknown = errors.New("mdns: port unknown")

// ============================================================================
//                              Discoverer
// ============================================================================

// Discoverer announces the local node and queries for others.
type Discoverer struct {
	service  string
	interval time.Duration
	local    types.PeerID
	addrs    func() []ma.Multiaddr
	clock    clock.Clock

	// query is mdns.Query, replaced in tests.
	query func(*mdns.QueryParam) error

	mu     sync.Mutex
	server *mdns.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithClock sets the clock driving the query interval.
func WithClock(c clock.Clock) Option { return func(d *Discoverer) { d.clock = c } }

// New creates a discoverer. addrs returns the current listen addresses and
// is consulted when the announcement is built.
func New(cfg config.DiscoveryConfig, local types.PeerID, addrs func() []ma.Multiaddr, opts ...Option) *Discoverer {
	d := &Discoverer{
		service:  cfg.MDNSService,
		interval: cfg.MDNSInterval.Duration(),
		local:    local,
		addrs:    addrs,
		clock:    clock.New(),
		query:    mdns.Query,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements network.Discoverer.
func (d *Discoverer) Name() string { return Name }

// Start announces the node and starts the query loop. A failed announcement
// is logged and discovery continues as a client.
func (d *Discoverer) Start(ctx context.Context, found func(types.AddrInfo)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	if err := d.startServer(); err != nil {
		if errors.Is(err, ErrPortUnknown) {
			log.Debug("not announcing, no udp listen port")
		} else {
			log.Warn("mdns announce failed, running as client only", "error", err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.queryLoop(ctx, found)
	log.Info("mdns started", "service", d.service, "announcing", d.server != nil)
	return nil
}

// Close stops the query loop and the announcement.
func (d *Discoverer) Close() error {
	d.mu.Lock()
	cancel, done, server := d.cancel, d.done, d.server
	d.cancel, d.server = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if server != nil {
		return server.Shutdown()
	}
	return nil
}

// ============================================================================
//                              Announcement
// ============================================================================

func (d *Discoverer) startServer() error {
	addrs := addrutil.FilterDialable(d.addrs(), false)
	port := udpPort(addrs)
	if port == 0 {
		return ErrPortUnknown
	}
	ips := lanIPs(addrs)
	if len(ips) == 0 {
		return errors.New("mdns: no lan address to announce")
	}

	instance := "harbor-" + d.local.ShortString()
	svc, err := mdns.NewMDNSService(instance, d.service, domain, "", port, ips, buildTXT(d.local, addrs))
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	d.server = server
	log.Debug("mdns announcing", "instance", instance, "port", port, "ips", len(ips))
	return nil
}

// buildTXT packs the peer id and addresses into TXT records of at most 255
// bytes. Addresses may span several "addrs=" records.
func buildTXT(id types.PeerID, addrs []ma.Multiaddr) []string {
	txt := []string{txtID + id.String()}
	cur := txtAddrs
	for _, a := range addrs {
		s := addrutil.StripPeer(a).String()
		if len(txtAddrs)+len(s) > maxTXT {
			continue
		}
		sep := ""
		if cur != txtAddrs {
			sep = ","
		}
		if len(cur)+len(sep)+len(s) > maxTXT {
			txt = append(txt, cur)
			cur, sep = txtAddrs, ""
		}
		cur += sep + s
	}
	if cur != txtAddrs {
		txt = append(txt, cur)
	}
	return txt
}

func udpPort(addrs []ma.Multiaddr) int {
	for _, a := range addrs {
		if addrutil.IsCircuit(a) {
			continue
		}
		if _, err := a.ValueForProtocol(ma.P_UDP); err != nil {
			continue
		}
		if na, err := manet.ToNetAddr(addrutil.StripPeer(a)); err == nil {
			if u, ok := na.(*net.UDPAddr); ok && u.Port > 0 {
				return u.Port
			}
		}
	}
	return 0
}

// lanIPs returns the private IPs of addrs, IPv4 first.
func lanIPs(addrs []ma.Multiaddr) []net.IP {
	var out []net.IP
	seen := make(map[string]bool)
	for _, a := range addrs {
		if addrutil.Classify(a) != addrutil.AddrPrivate {
			continue
		}
		ip, err := manet.ToIP(addrutil.StripPeer(a))
		if err != nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		out = append(out, ip)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].To4() != nil && out[j].To4() == nil })
	return out
}

// ============================================================================
//                              Queries
// ============================================================================

func (d *Discoverer) queryLoop(ctx context.Context, found func(types.AddrInfo)) {
	defer close(d.done)

	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()
	for {
		d.runQuery(ctx, found)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) runQuery(ctx context.Context, found func(types.AddrInfo)) {
	entries := make(chan *mdns.ServiceEntry, 16)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for e := range entries {
			if info, ok := parseEntry(e); ok && info.ID != d.local && ctx.Err() == nil {
				found(info)
			}
		}
	}()

	err := d.query(&mdns.QueryParam{
		Service:             d.service,
		Domain:              domain,
		Timeout:             queryTimeout,
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         true,
	})
	close(entries)
	<-handled
	if err != nil && ctx.Err() == nil {
		log.Debug("mdns query failed", "error", err)
	}
}

// parseEntry extracts the peer from an answer. Without usable TXT addresses
// the A record and port are used.
func parseEntry(e *mdns.ServiceEntry) (types.AddrInfo, bool) {
	if e == nil {
		return types.AddrInfo{}, false
	}
	var info types.AddrInfo
	for _, field := range e.InfoFields {
		switch {
		case strings.HasPrefix(field, txtID):
			id, err := types.ParsePeerID(strings.TrimPrefix(field, txtID))
			if err != nil {
				log.Debug("bad peer id in mdns answer", "error", err)
				return types.AddrInfo{}, false
			}
			info.ID = id
		case strings.HasPrefix(field, txtAddrs):
			for _, s := range strings.Split(strings.TrimPrefix(field, txtAddrs), ",") {
				if a, err := ma.NewMultiaddr(s); err == nil {
					info.Addrs = append(info.Addrs, a)
				}
			}
		}
	}
	if info.ID.IsEmpty() {
		return types.AddrInfo{}, false
	}
	info.Addrs = addrutil.FilterDialable(info.Addrs, false)
	if len(info.Addrs) == 0 && e.AddrV4 != nil && e.Port > 0 {
		a, err := manet.FromNetAddr(&net.UDPAddr{IP: e.AddrV4, Port: e.Port})
		if err == nil {
			if quic, err := ma.NewMultiaddr("/quic-v1"); err == nil {
				info.Addrs = append(info.Addrs, a.Encapsulate(quic))
			}
		}
	}
	if len(info.Addrs) == 0 {
		return types.AddrInfo{}, false
	}
	return info, true
}
