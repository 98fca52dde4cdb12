package syncengine

import (
	"github.com/benbjohnson/clock"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock used for event timestamps and the sync
// interval.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.wall = c } }

// WithEventBus emits EvtEventApplied and flushes queues on identify.
func WithEventBus(bus pkgif.EventBus) Option { return func(e *Engine) { e.bus = bus } }

// WithMetrics records sync measurements.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }
