package eventlog

import (
	"sort"
	"sync"

	"github.com/dep2p/harbor/pkg/types"
)

// MemStore is an in-memory LogStore and ClockStore for logs that need no
// persistence, e.g. scratch logs in tools and tests of packages built on
// eventlog. Nodes use the badger-backed store.
type MemStore struct {
	mu     sync.Mutex
	events map[types.Domain][]*Event
	clock  uint64
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{events: make(map[types.Domain][]*Event)}
}

// PutEvent implements LogStore.
func (m *MemStore) PutEvent(e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.Domain] = append(m.events[e.Domain], e)
	return nil
}

// LoadEvents implements LogStore.
func (m *MemStore) LoadEvents(d types.Domain) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*Event(nil), m.events[d]...)
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

// LoadClock implements ClockStore.
func (m *MemStore) LoadClock() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock, nil
}

// SaveClock implements ClockStore.
func (m *MemStore) SaveClock(v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = v
	return nil
}
