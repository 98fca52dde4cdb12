package eventlog

import (
	"errors"
	"math"
	"sync"
)

// ErrClockOverflow is returned instead of letting the counter wrap.
var ErrClockOverflow = errors.New("eventlog: lamport clock overflow")

// ClockStore persists the clock counter.
type ClockStore interface {
	LoadClock() (uint64, error)
	SaveClock(uint64) error
}

// Clock is the node's single Lamport clock.
type Clock struct {
	mu    sync.Mutex
	value uint64
	store ClockStore
}

// NewClock loads the persisted counter.
func NewClock(store ClockStore) (*Clock, error) {
	v, err := store.LoadClock()
	if err != nil {
		return nil, err
	}
	return &Clock{value: v, store: store}, nil
}

// Current returns the last issued value.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Tick advances the clock for a local event and returns the new value.
func (c *Clock) Tick() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == math.MaxUint64 {
		return c.value, ErrClockOverflow
	}
	return c.setLocked(c.value + 1)
}

// Observe merges a remote timestamp: the clock becomes max(local, remote)+1.
func (c *Clock) Observe(remote uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.value
	if remote > next {
		next = remote
	}
	if next == math.MaxUint64 {
		return c.value, ErrClockOverflow
	}
	return c.setLocked(next + 1)
}

// Witness raises the clock to at least v without ticking. Used when logs
// are reloaded at startup.
func (c *Clock) Witness(v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v <= c.value {
		return nil
	}
	_, err := c.setLocked(v)
	return err
}

func (c *Clock) setLocked(v uint64) (uint64, error) {
	if err := c.store.SaveClock(v); err != nil {
		return c.value, err
	}
	c.value = v
	return v, nil
}
