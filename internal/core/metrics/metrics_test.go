package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, nil)
	require.NoError(t, err)

	c.ConnOpened(false, true)
	c.ConnOpened(true, false)
	c.ConnClosed(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.conns.WithLabelValues("no")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conns.WithLabelValues("yes")))

	c.PeerStateChanged(types.PeerConnected, types.PeerIdentified)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peerTransitions.WithLabelValues("connected", "identified")))

	c.MessageSent(protocol.KindEventPush, 100)
	c.MessageReceived(protocol.KindEventPush, 40)
	assert.Equal(t, 100.0, testutil.ToFloat64(c.messageBytes.WithLabelValues("out")))
	assert.Equal(t, int64(40), c.Bandwidth().ForKind(protocol.KindEventPush).TotalIn)

	c.ReservationDone(nil)
	c.ReservationDone(errors.New("refused"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reservations.WithLabelValues("error")))

	c.EventApplied(types.DomainMessage, true)
	c.EventRejected(types.DomainPost, "unauthorized")
	c.QueueDropped(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.applied.WithLabelValues("message", "local")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDropped))

	c.RequestDone(protocol.KindManifestRequest, 20*time.Millisecond, nil)
	c.SyncDone(time.Second, nil)
	n, err := testutil.GatherAndCount(reg, "harbor_network_request_duration_seconds", "harbor_sync_reconcile_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, nil)
	require.NoError(t, err)
	_, err = New(reg, nil)
	assert.Error(t, err)
}

func TestRateMeterWindow(t *testing.T) {
	mock := clock.NewMock()
	r := NewRateMeter(mock)

	r.Add(600)
	assert.Equal(t, 10.0, r.Rate())

	mock.Add(30 * time.Second)
	r.Add(600)
	assert.Equal(t, 20.0, r.Rate())

	mock.Add(45 * time.Second)
	assert.Equal(t, 10.0, r.Rate(), "first bucket left the window")

	mock.Add(2 * time.Minute)
	assert.Zero(t, r.Rate())
	assert.Equal(t, int64(1200), r.Total())
}

func TestBandwidthKinds(t *testing.T) {
	b := NewBandwidth(clock.NewMock())
	b.LogSent(protocol.KindFetchRequest, 10)
	b.LogSent(protocol.KindDirectMessage, 5)
	b.LogReceived(protocol.KindFetchResponse, 70)

	assert.Equal(t, Stats{TotalIn: 70, TotalOut: 15, RateIn: 70.0 / 60, RateOut: 15.0 / 60}, b.Totals())
	assert.Len(t, b.Kinds(), 3)
	assert.Equal(t, Stats{}, b.ForKind(protocol.KindManifestRequest))
}
