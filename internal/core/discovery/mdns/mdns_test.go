package mdns

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/pkg/types"
)

func testPeer(t *testing.T) types.PeerID {
	t.Helper()
	ident, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	return ident.PeerID()
}

func TestBuildTXTSplitsLongAddressLists(t *testing.T) {
	id := testPeer(t)
	var addrs []ma.Multiaddr
	for i := 0; i < 20; i++ {
		addrs = append(addrs, ma.StringCast("/ip4/192.168.1.10/udp/4001/quic-v1"))
	}

	txt := buildTXT(id, addrs)
	require.Greater(t, len(txt), 2)
	assert.Equal(t, "id="+id.String(), txt[0])
	total := 0
	for _, r := range txt {
		assert.LessOrEqual(t, len(r), maxTXT)
		if strings.HasPrefix(r, txtAddrs) {
			total += len(strings.Split(strings.TrimPrefix(r, txtAddrs), ","))
		}
	}
	assert.Equal(t, 20, total)
}

func TestParseEntry(t *testing.T) {
	id := testPeer(t)

	t.Run("txt addresses", func(t *testing.T) {
		e := &mdns.ServiceEntry{InfoFields: buildTXT(id, []ma.Multiaddr{
			ma.StringCast("/ip4/192.168.1.10/udp/4001/quic-v1"),
			ma.StringCast("/ip4/0.0.0.0/udp/4001/quic-v1"),
		})}
		info, ok := parseEntry(e)
		require.True(t, ok)
		assert.Equal(t, id, info.ID)
		require.Len(t, info.Addrs, 1, "unspecified addresses are dropped")
		assert.Equal(t, "/ip4/192.168.1.10/udp/4001/quic-v1", info.Addrs[0].String())
	})

	t.Run("falls back to the A record", func(t *testing.T) {
		e := &mdns.ServiceEntry{
			InfoFields: []string{"id=" + id.String()},
			AddrV4:     net.ParseIP("192.168.1.20"),
			Port:       5000,
		}
		info, ok := parseEntry(e)
		require.True(t, ok)
		require.Len(t, info.Addrs, 1)
		assert.Equal(t, "/ip4/192.168.1.20/udp/5000/quic-v1", info.Addrs[0].String())
	})

	t.Run("rejects", func(t *testing.T) {
		_, ok := parseEntry(nil)
		assert.False(t, ok)
		_, ok = parseEntry(&mdns.ServiceEntry{InfoFields: []string{"addrs=/ip4/192.168.1.1/udp/1/quic-v1"}})
		assert.False(t, ok, "missing id")
		_, ok = parseEntry(&mdns.ServiceEntry{InfoFields: []string{"id=garbage", "addrs=/ip4/192.168.1.1/udp/1/quic-v1"}})
		assert.False(t, ok, "bad id")
		_, ok = parseEntry(&mdns.ServiceEntry{InfoFields: []string{"id=" + id.String()}})
		assert.False(t, ok, "no address at all")
	})
}

func TestAnnouncementInputs(t *testing.T) {
	addrs := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/udp/4001/quic-v1"),
		ma.StringCast("/ip6/fd00::1/udp/4001/quic-v1"),
		ma.StringCast("/ip4/10.0.0.5/udp/4001/quic-v1"),
		ma.StringCast("/ip4/8.8.8.8/udp/4001/quic-v1"),
	}
	assert.Equal(t, 4001, udpPort(addrs))
	assert.Zero(t, udpPort(nil))

	ips := lanIPs(addrs)
	require.Len(t, ips, 2)
	assert.Equal(t, "10.0.0.5", ips[0].String(), "ipv4 first")
}

func TestQueryLoopReportsPeers(t *testing.T) {
	local, remote := testPeer(t), testPeer(t)
	mock := clock.NewMock()

	cfg := config.DefaultDiscoveryConfig()
	d := New(cfg, local, func() []ma.Multiaddr { return nil }, WithClock(mock))

	var queries atomic.Int32
	d.query = func(p *mdns.QueryParam) error {
		queries.Add(1)
		assert.Equal(t, cfg.MDNSService, p.Service)
		p.Entries <- &mdns.ServiceEntry{InfoFields: buildTXT(local, []ma.Multiaddr{ma.StringCast("/ip4/192.168.1.2/udp/1/quic-v1")})}
		p.Entries <- &mdns.ServiceEntry{InfoFields: buildTXT(remote, []ma.Multiaddr{ma.StringCast("/ip4/192.168.1.3/udp/1/quic-v1")})}
		return nil
	}

	found := make(chan types.AddrInfo, 8)
	require.NoError(t, d.Start(context.Background(), func(info types.AddrInfo) { found <- info }))
	assert.Equal(t, Name, d.Name())

	select {
	case info := <-found:
		assert.Equal(t, remote, info.ID, "the local node is never reported")
	case <-time.After(time.Second):
		t.Fatal("no peer reported")
	}

	require.Eventually(t, func() bool { return queries.Load() == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(cfg.MDNSInterval.Duration())
	require.Eventually(t, func() bool { return queries.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}
