package syncengine

import (
	"time"

	"github.com/dep2p/harbor/pkg/types"
)

// Metrics receives sync measurements.
type Metrics interface {
	EventApplied(d types.Domain, local bool)
	EventRejected(d types.Domain, reason string)
	QueueDropped(n int)
	SyncDone(d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) EventApplied(types.Domain, bool)    {}
func (nopMetrics) EventRejected(types.Domain, string) {}
func (nopMetrics) QueueDropped(int)                   {}
func (nopMetrics) SyncDone(time.Duration, error)      {}
