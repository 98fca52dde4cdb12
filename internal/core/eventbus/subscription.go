package eventbus

import (
	"reflect"
	"sync"
	"sync/atomic"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

// Subscription is a buffered event channel registered on a Bus.
type Subscription struct {
	bus *Bus
	typ reflect.Type // nil for wildcard subscriptions

	mu     sync.RWMutex
	out    chan any
	closed bool
}

func newSubscription(b *Bus, typ reflect.Type, opts []pkgif.SubscriptionOpt) *Subscription {
	settings := pkgif.SubscriptionSettings{Buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&settings)
	}
	return &Subscription{bus: b, typ: typ, out: make(chan any, settings.Buffer)}
}

// Out returns the event channel. It is closed by Close.
func (s *Subscription) Out() <-chan any {
	return s.out
}

func (s *Subscription) offer(event any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- event:
		return true
	default:
		return false
	}
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.bus.removeSub(s)
	return nil
}

// Emitter publishes one event type onto its Bus.
type Emitter struct {
	bus    *Bus
	node   *node
	closed atomic.Bool
}

// Emit publishes event to current subscribers.
func (e *Emitter) Emit(event any) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	e.bus.emit(e.node, event)
	return nil
}

// Close releases the emitter.
func (e *Emitter) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		if e.node.emitters.Add(-1) == 0 {
			e.bus.tryDropNode(e.node.typ)
		}
	}
	return nil
}
