// Package eventbus implements the in-process typed event bus that carries
// peer lifecycle and application notifications.
package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

var log = logger.Logger("eventbus")

// ============================================================================
//                              Errors
// ============================================================================

var (
	// ErrInvalidEventType is returned for a nil event type.
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrNonPointerType is returned when the event type is not a pointer.
	ErrNonPointerType = errors.New("event type must be a pointer")
	// ErrEmitterClosed is returned by Emit after Close.
	ErrEmitterClosed = errors.New("emitter closed")
)

const defaultBuffer = 32

// ============================================================================
//                              Bus
// ============================================================================

// Bus is the default EventBus implementation.
type Bus struct {
	mu    sync.RWMutex
	nodes map[reflect.Type]*node

	// wildcard subscribers receive every event regardless of type.
	wildMu sync.RWMutex
	wild   []*Subscription
}

var _ pkgif.EventBus = (*Bus)(nil)

type node struct {
	mu        sync.Mutex
	typ       reflect.Type
	sinks     []*Subscription
	emitters  atomic.Int32
	keepLast  bool
	last      any
	dropCount atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

// Subscribe implements pkgif.EventBus.
func (b *Bus) Subscribe(eventType any, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(b, typ, opts)
	b.withNode(typ, func(n *node) {
		n.sinks = append(n.sinks, sub)
		if n.keepLast && n.last != nil {
			select {
			case sub.out <- n.last:
			default:
			}
		}
	})
	return sub, nil
}

// SubscribeAll implements pkgif.EventBus.
func (b *Bus) SubscribeAll(opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	sub := newSubscription(b, nil, opts)
	b.wildMu.Lock()
	b.wild = append(b.wild, sub)
	b.wildMu.Unlock()
	return sub, nil
}

// Emitter implements pkgif.EventBus.
func (b *Bus) Emitter(eventType any, opts ...pkgif.EmitterOpt) (pkgif.Emitter, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	var settings pkgif.EmitterSettings
	for _, opt := range opts {
		opt(&settings)
	}

	var n *node
	b.withNode(typ, func(nd *node) {
		n = nd
		n.emitters.Add(1)
		if settings.Stateful {
			n.keepLast = true
		}
	})
	return &Emitter{bus: b, node: n}, nil
}

func elemType(eventType any) (reflect.Type, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(eventType)
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	return typ.Elem(), nil
}

func (b *Bus) withNode(typ reflect.Type, fn func(*node)) {
	b.mu.Lock()
	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	n.mu.Lock()
	b.mu.Unlock()

	fn(n)
	n.mu.Unlock()
}

func (b *Bus) tryDropNode(typ reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		return
	}
	n.mu.Lock()
	idle := len(n.sinks) == 0 && n.emitters.Load() == 0 && !n.keepLast
	n.mu.Unlock()
	if idle {
		delete(b.nodes, typ)
	}
}

func (b *Bus) removeSub(sub *Subscription) {
	if sub.typ == nil {
		b.wildMu.Lock()
		b.wild = removeSink(b.wild, sub)
		b.wildMu.Unlock()
		return
	}

	b.mu.RLock()
	n, ok := b.nodes[sub.typ]
	b.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.sinks = removeSink(n.sinks, sub)
	n.mu.Unlock()
	b.tryDropNode(sub.typ)
}

func removeSink(sinks []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range sinks {
		if s == sub {
			return append(sinks[:i], sinks[i+1:]...)
		}
	}
	return sinks
}

// emit delivers without blocking; slow subscribers lose events.
func (b *Bus) emit(n *node, event any) {
	n.mu.Lock()
	if n.keepLast {
		n.last = event
	}
	for _, sub := range n.sinks {
		if !sub.offer(event) {
			n.noteDrop()
		}
	}
	n.mu.Unlock()

	b.wildMu.RLock()
	for _, sub := range b.wild {
		if !sub.offer(event) {
			n.noteDrop()
		}
	}
	b.wildMu.RUnlock()
}

func (n *node) noteDrop() {
	if dropped := n.dropCount.Add(1); dropped%100 == 1 {
		log.Warn("slow subscriber, dropping events", "type", n.typ.String(), "dropped", dropped)
	}
}
