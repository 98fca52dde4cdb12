// Package metrics records network and sync measurements as Prometheus
// collectors and keeps a per-kind bandwidth meter for status output.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/harbor/internal/core/network"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/syncengine"
	"github.com/dep2p/harbor/pkg/types"
)

const namespace = "harbor"

var (
	_ network.Metrics    = (*Collector)(nil)
	_ syncengine.Metrics = (*Collector)(nil)
)

// Collector implements the measurement hooks of the network service and
// the sync engine.
type Collector struct {
	bandwidth *Bandwidth

	peerTransitions *prometheus.CounterVec
	conns           *prometheus.GaugeVec
	connsOpened     *prometheus.CounterVec
	messages        *prometheus.CounterVec
	messageBytes    *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	requests        *prometheus.HistogramVec
	reservations    *prometheus.CounterVec

	applied      *prometheus.CounterVec
	eventsDenied *prometheus.CounterVec
	queueDropped prometheus.Counter
	syncs        *prometheus.HistogramVec
}

// New registers the collectors on reg. bw may be nil.
func New(reg prometheus.Registerer, bw *Bandwidth) (*Collector, error) {
	if bw == nil {
		bw = NewBandwidth(nil)
	}
	c := &Collector{
		bandwidth: bw,
		peerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "peer_transitions_total",
			Help: "Peer state transitions.",
		}, []string{"from", "to"}),
		conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "connections",
			Help: "Open connections.",
		}, []string{"relayed"}),
		connsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "connections_opened_total",
			Help: "Connections established.",
		}, []string{"relayed", "direction"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "messages_total",
			Help: "Protocol messages.",
		}, []string{"kind", "direction"}),
		messageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "message_bytes_total",
			Help: "Protocol message bytes.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "messages_rejected_total",
			Help: "Inbound messages dropped before dispatch.",
		}, []string{"reason"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "network", Name: "request_duration_seconds",
			Help:    "Outbound request latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind", "result"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "relay_reservations_total",
			Help: "Relay reservation attempts.",
		}, []string{"result"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "events_applied_total",
			Help: "Events accepted into a domain log.",
		}, []string{"domain", "origin"}),
		eventsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "events_rejected_total",
			Help: "Remote events refused.",
		}, []string{"domain", "reason"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "queue_dropped_total",
			Help: "Queued events dropped on overflow.",
		}),
		syncs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reconcile_duration_seconds",
			Help:    "Duration of reconciliation with one peer.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
	for _, col := range []prometheus.Collector{
		c.peerTransitions, c.conns, c.connsOpened, c.messages, c.messageBytes,
		c.rejected, c.requests, c.reservations,
		c.applied, c.eventsDenied, c.queueDropped, c.syncs,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Bandwidth returns the byte meter fed by the collector.
func (c *Collector) Bandwidth() *Bandwidth { return c.bandwidth }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// ============================================================================
//                              network.Metrics
// ============================================================================

func (c *Collector) PeerStateChanged(from, to types.PeerState) {
	c.peerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collector) ConnOpened(relayed, outbound bool) {
	dir := "inbound"
	if outbound {
		dir = "outbound"
	}
	c.conns.WithLabelValues(yesNo(relayed)).Inc()
	c.connsOpened.WithLabelValues(yesNo(relayed), dir).Inc()
}

func (c *Collector) ConnClosed(relayed bool) {
	c.conns.WithLabelValues(yesNo(relayed)).Dec()
}

func (c *Collector) MessageSent(k protocol.Kind, n int) {
	c.messages.WithLabelValues(k.String(), "out").Inc()
	c.messageBytes.WithLabelValues("out").Add(float64(n))
	c.bandwidth.LogSent(k, n)
}

func (c *Collector) MessageReceived(k protocol.Kind, n int) {
	c.messages.WithLabelValues(k.String(), "in").Inc()
	c.messageBytes.WithLabelValues("in").Add(float64(n))
	c.bandwidth.LogReceived(k, n)
}

func (c *Collector) MessageRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RequestDone(k protocol.Kind, d time.Duration, err error) {
	c.requests.WithLabelValues(k.String(), result(err)).Observe(d.Seconds())
}

func (c *Collector) ReservationDone(err error) {
	c.reservations.WithLabelValues(result(err)).Inc()
}

// ============================================================================
//                              syncengine.Metrics
// ============================================================================

func (c *Collector) EventApplied(d types.Domain, local bool) {
	origin := "remote"
	if local {
		origin = "local"
	}
	c.applied.WithLabelValues(string(d), origin).Inc()
}

func (c *Collector) EventRejected(d types.Domain, reason string) {
	c.eventsDenied.WithLabelValues(string(d), reason).Inc()
}

func (c *Collector) QueueDropped(n int) {
	c.queueDropped.Add(float64(n))
}

func (c *Collector) SyncDone(d time.Duration, err error) {
	c.syncs.WithLabelValues(result(err)).Observe(d.Seconds())
}
