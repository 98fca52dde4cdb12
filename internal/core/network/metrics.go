package network

import (
	"time"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// Metrics receives network measurements. The metrics package provides the
// Prometheus implementation.
type Metrics interface {
	PeerStateChanged(from, to types.PeerState)
	ConnOpened(relayed, outbound bool)
	ConnClosed(relayed bool)
	MessageSent(kind protocol.Kind, bytes int)
	MessageReceived(kind protocol.Kind, bytes int)
	MessageRejected(reason string)
	RequestDone(kind protocol.Kind, d time.Duration, err error)
	ReservationDone(err error)
}

type nopMetrics struct{}

func (nopMetrics) PeerStateChanged(types.PeerState, types.PeerState) {}
func (nopMetrics) ConnOpened(bool, bool)                             {}
func (nopMetrics) ConnClosed(bool)                                   {}
func (nopMetrics) MessageSent(protocol.Kind, int)                    {}
func (nopMetrics) MessageReceived(protocol.Kind, int)                {}
func (nopMetrics) MessageRejected(string)                            {}
func (nopMetrics) RequestDone(protocol.Kind, time.Duration, error)   {}
func (nopMetrics) ReservationDone(error)                             {}
