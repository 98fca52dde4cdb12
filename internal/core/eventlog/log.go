package eventlog

import (
	"sort"
	"sync"

	"github.com/dep2p/harbor/pkg/types"
)

// LogStore persists events of one domain.
type LogStore interface {
	PutEvent(e *Event) error
	// LoadEvents returns every stored event of the domain in log order.
	LoadEvents(domain types.Domain) ([]*Event, error)
}

// Log is the ordered, append-only event log of one domain.
//
// Entries are never mutated or removed; a late event with a smaller
// timestamp is inserted at its ordered position.
type Log struct {
	domain types.Domain
	store  LogStore

	mu     sync.RWMutex
	events []*Event
	index  map[string]*Event
}

// OpenLog loads a domain log from store.
func OpenLog(domain types.Domain, store LogStore) (*Log, error) {
	evs, err := store.LoadEvents(domain)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool { return Less(evs[i], evs[j]) })
	l := &Log{domain: domain, store: store, events: evs, index: make(map[string]*Event, len(evs))}
	for _, e := range evs {
		l.index[e.ID] = e
	}
	return l, nil
}

// Domain returns the log's domain.
func (l *Log) Domain() types.Domain { return l.domain }

// Insert persists e and places it in order. It returns whether e went to the
// tail (so projections can apply it incrementally) and false, nil for an
// event already present.
func (l *Log) Insert(e *Event) (inserted, tail bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[e.ID]; ok {
		return false, false, nil
	}
	if err := l.store.PutEvent(e); err != nil {
		return false, false, err
	}

	i := sort.Search(len(l.events), func(i int) bool { return Less(e, l.events[i]) })
	l.events = append(l.events, nil)
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = e
	l.index[e.ID] = e
	return true, i == len(l.events)-1, nil
}

// Has reports whether id is in the log.
func (l *Log) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Get returns the event with id.
func (l *Log) Get(id string) (*Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.index[id]
	return e, ok
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a snapshot of the log in order.
func (l *Log) Events() []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Event(nil), l.events...)
}

// Since returns events with lamport greater than since, in order.
func (l *Log) Since(since uint64) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Lamport > since })
	return append([]*Event(nil), l.events[i:]...)
}

// MaxLamport returns the largest lamport in the log.
func (l *Log) MaxLamport() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].Lamport
}
